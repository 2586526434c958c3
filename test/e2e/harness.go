// Package e2e drives squadron's full HTTP API over every other component
// wired together exactly as cmd/squadron assembles them, covering the
// system's seed scenarios end-to-end rather than package-by-package.
// Grounded on tarsy's test/e2e/harness.go's TestApp: one struct bundling
// every real dependency (no mocked services beyond the opaque
// TextGenerator/ToolInvoker seams the caller supplies), built once per test
// and exercised through its public HTTP surface.
package e2e

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/opensquad/squadron/pkg/api"
	"github.com/opensquad/squadron/pkg/bus"
	"github.com/opensquad/squadron/pkg/conversation"
	"github.com/opensquad/squadron/pkg/eventlog"
	"github.com/opensquad/squadron/pkg/routing"
	"github.com/opensquad/squadron/pkg/sse"
	"github.com/opensquad/squadron/pkg/squad"
	"github.com/opensquad/squadron/test/testdb"
)

// App boots one complete squadron instance against a fresh test database,
// started with the real C1-C8 services — only the TextGenerator/ToolInvoker
// seams stay opaque, so agent turns are driven directly through the HTTP
// conversation endpoints rather than through a live agentruntime.Runtime
// loop.
type App struct {
	t      *testing.T
	Server *api.Server
	Conv   *conversation.Service
	Squads *squad.Service
	Log    *eventlog.Log
	Bus    *bus.Bus
	Pool   *pgxpool.Pool
}

// Option configures NewApp before it builds the service graph.
type Option func(*appConfig)

type appConfig struct {
	convCfg conversation.Config
}

// WithConversationConfig overrides the default answer/ack timeouts, used by
// scenarios that need a short answer timeout to exercise the escalation
// sweep without a multi-minute test.
func WithConversationConfig(cfg conversation.Config) Option {
	return func(c *appConfig) { c.convCfg = cfg }
}

func NewApp(t *testing.T, opts ...Option) *App {
	t.Helper()
	cfg := appConfig{convCfg: conversation.DefaultConfig()}
	for _, opt := range opts {
		opt(&cfg)
	}

	pool, listener := testdb.SetupTestPoolWithListener(t)

	log := eventlog.New(pool, nil)
	squads := squad.New(pool)
	b := bus.New(bus.DefaultConfig(), log, pool, squads)
	cache, err := routing.NewRuleCache(1 << 20)
	require.NoError(t, err)
	t.Cleanup(cache.Close)

	conv := conversation.New(pool, log, b, cache, nil, cfg.convCfg)
	require.NoError(t, conv.Start(t.Context()))
	t.Cleanup(conv.Stop)

	stream := sse.New(log, listener, pool, sse.Config{HeartbeatInterval: time.Hour, ClientBuffer: 32})

	srv := api.NewServer(pool, squads, conv, log, b, stream, ":0")
	require.NoError(t, srv.ValidateWiring())

	return &App{t: t, Server: srv, Conv: conv, Squads: squads, Log: log, Bus: b, Pool: pool}
}

// Do issues an HTTP request against the server's router without binding a
// real network listener, mirroring pkg/api/api_test.go's approach.
func (a *App) Do(method, path string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(a.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.Server.Router().ServeHTTP(rec, req)
	return rec
}

// DoJSON issues a request and decodes a JSON response into out, failing the
// test if the response doesn't match wantStatus.
func (a *App) DoJSON(method, path string, body any, wantStatus int, out any) *httptest.ResponseRecorder {
	a.t.Helper()
	rec := a.Do(method, path, body)
	require.Equal(a.t, wantStatus, rec.Code, rec.Body.String())
	if out != nil {
		require.NoError(a.t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

// RegisterAndApply registers tmpl and applies it under squadName, returning
// the decoded squad response.
func (a *App) RegisterAndApply(tmplYAML, slug, ownerID, squadName string) api.SquadResponse {
	a.t.Helper()
	a.DoJSON(http.MethodPost, "/templates", api.RegisterTemplateRequest{Template: tmplYAML}, http.StatusCreated, nil)

	var applied api.SquadResponse
	a.DoJSON(http.MethodPost, "/templates/"+slug+"/apply", api.ApplyTemplateRequest{
		OwnerID:   ownerID,
		SquadName: squadName,
	}, http.StatusCreated, &applied)
	return applied
}

// AgentByRole finds the first applied agent with the given role.
func AgentByRole(resp api.SquadResponse, role string) string {
	for _, a := range resp.Agents {
		if string(a.Role) == role {
			return a.ID
		}
	}
	return ""
}
