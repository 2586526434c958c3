// Package testdb provides shared PostgreSQL test infrastructure for
// integration tests across pkg/eventlog, pkg/bus, pkg/conversation, and
// pkg/squad. Grounded on tarsy's test/util/database.go: a package-wide
// testcontainer started once, per-test isolation — here via a fresh
// database per test rather than a schema, since database.NewClient already
// takes a database.Config{Database: ...} and running migrations against a
// throwaway database needs no search_path plumbing.
package testdb

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/opensquad/squadron/pkg/database"
	"github.com/opensquad/squadron/pkg/eventlog"
)

var (
	adminDSN      string
	adminCfg      database.Config
	containerOnce sync.Once
	containerErr  error
)

// SetupTestPool creates a fresh database, runs migrations against it, and
// returns the resulting pool. The database is dropped at test cleanup.
func SetupTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	base := sharedDatabase(t)
	dbName := freshDatabaseName(t)

	admin, err := pgxpool.New(ctx, adminDSN)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s", dbName))
	require.NoError(t, err)
	admin.Close()

	cfg := base
	cfg.Database = dbName
	client, err := database.NewClient(ctx, cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		cleanup, err := pgxpool.New(context.Background(), adminDSN)
		if err == nil {
			_, _ = cleanup.Exec(context.Background(), fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", dbName))
			cleanup.Close()
		}
	})

	return client.Pool
}

// SetupTestPoolWithListener is SetupTestPool plus a started eventlog.Listener
// against the same fresh database, for tests exercising LISTEN/NOTIFY tail
// delivery (pkg/sse, pkg/eventlog's own listener tests). The listener is
// stopped at test cleanup, before the database it's connected to is dropped.
func SetupTestPoolWithListener(t *testing.T) (*pgxpool.Pool, *eventlog.Listener) {
	t.Helper()
	ctx := context.Background()

	base := sharedDatabase(t)
	dbName := freshDatabaseName(t)

	admin, err := pgxpool.New(ctx, adminDSN)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s", dbName))
	require.NoError(t, err)
	admin.Close()

	cfg := base
	cfg.Database = dbName
	client, err := database.NewClient(ctx, cfg)
	require.NoError(t, err)

	listener := eventlog.NewListener(cfg.DSN())
	require.NoError(t, listener.Start(ctx))

	t.Cleanup(func() {
		listener.Stop(context.Background())
		client.Close()
		cleanup, err := pgxpool.New(context.Background(), adminDSN)
		if err == nil {
			_, _ = cleanup.Exec(context.Background(), fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", dbName))
			cleanup.Close()
		}
	})

	return client.Pool, listener
}

// sharedDatabase ensures the shared testcontainer (or CI database) is
// running and returns a base database.Config (sans Database name) to clone
// per test.
func sharedDatabase(t *testing.T) database.Config {
	t.Helper()

	if ci := os.Getenv("CI_DATABASE_URL"); ci != "" {
		cfg, err := configFromDSN(ci)
		require.NoError(t, err)
		adminDSN = ci
		adminCfg = cfg
		return cfg
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("start postgres container: %w", err)
			return
		}
		connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = fmt.Errorf("container connection string: %w", err)
			return
		}
		cfg, err := configFromDSN(connStr)
		if err != nil {
			containerErr = fmt.Errorf("parse container DSN: %w", err)
			return
		}
		adminDSN = connStr
		adminCfg = cfg
	})

	require.NoError(t, containerErr)
	return adminCfg
}

func configFromDSN(dsn string) (database.Config, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return database.Config{}, err
	}
	port := 5432
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	password, _ := u.User.Password()
	cfg := database.Config{
		Host:            u.Hostname(),
		Port:            port,
		User:            u.User.Username(),
		Password:        password,
		Database:        strings.TrimPrefix(u.Path, "/"),
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
	return cfg, nil
}

func freshDatabaseName(t *testing.T) string {
	name := strings.ToLower(t.Name())
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	if len(name) > 40 {
		name = name[:40]
	}
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("test_%s_%s", name, hex.EncodeToString(buf))
}
