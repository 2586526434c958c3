package e2e

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opensquad/squadron/pkg/api"
)

func waitForBodyContains(t *testing.T, rec *httptest.ResponseRecorder, substr string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if strings.Contains(rec.Body.String(), substr) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q in body: %s", substr, rec.Body.String())
}

func lastFrameID(t *testing.T, body string) string {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(body), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.HasPrefix(lines[i], "id: ") {
			return strings.TrimPrefix(lines[i], "id: ")
		}
	}
	t.Fatalf("no id: line found in body: %s", body)
	return ""
}

// Scenario 5: a client that disconnects from GET /sse/squad/{id} and
// reconnects with Last-Event-Id only replays what it missed, through the
// full HTTP route rather than pkg/sse's own package-internal test.
func TestScenario_SSEResumeWithLastEventID(t *testing.T) {
	app := NewApp(t)
	applied := app.RegisterAndApply(deliverySquadTemplate, "delivery-squad", "owner-6", "Stream Squad")
	pm := AgentByRole(applied, "project_manager")

	ctx1, cancel1 := context.WithCancel(context.Background())
	rec1 := httptest.NewRecorder()
	req1 := httptest.NewRequest(http.MethodGet, "/sse/squad/"+applied.Squad.ID, nil).WithContext(ctx1)
	done1 := make(chan struct{})
	go func() {
		app.Server.Router().ServeHTTP(rec1, req1)
		close(done1)
	}()
	time.Sleep(200 * time.Millisecond)

	app.DoJSON(http.MethodPost, "/squads/"+applied.Squad.ID+"/conversations", api.InitiateConversationRequest{
		AskerAgentID: pm,
		QuestionType: "default",
		Content:      "first question",
	}, http.StatusCreated, nil)

	waitForBodyContains(t, rec1, "event: message", 3*time.Second)
	require.Contains(t, rec1.Body.String(), "first question")
	cancel1()
	<-done1

	lastID := lastFrameID(t, rec1.Body.String())

	app.DoJSON(http.MethodPost, "/squads/"+applied.Squad.ID+"/conversations", api.InitiateConversationRequest{
		AskerAgentID: pm,
		QuestionType: "default",
		Content:      "second question while disconnected",
	}, http.StatusCreated, nil)

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/sse/squad/"+applied.Squad.ID, nil).WithContext(ctx2)
	req2.Header.Set("Last-Event-Id", lastID)
	done2 := make(chan struct{})
	go func() {
		app.Server.Router().ServeHTTP(rec2, req2)
		close(done2)
	}()

	waitForBodyContains(t, rec2, "second question while disconnected", 3*time.Second)
	require.NotContains(t, rec2.Body.String(), "first question")

	cancel2()
	<-done2
}
