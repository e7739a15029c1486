// Package pgtest provides PostgreSQL databases to the integration tests:
// on the server of TESTDB_URL when set, otherwise in a shared postgres
// container. Tests are skipped when neither is available. Every test package
// names its own database so packages running in parallel do not interfere.
package pgtest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	once   sync.Once
	dbURL  string
	urlErr error
)

// URL returns the connection URL of database, creating it if needed.
func URL(t testing.TB, database string) string {
	t.Helper()
	server := os.Getenv("TESTDB_URL")
	if server == "" {
		testcontainers.SkipIfProviderIsNotHealthy(t)
		once.Do(func() {
			dbURL, urlErr = startContainer(context.Background())
		})
		require.NoError(t, urlErr)
		server = dbURL
	}
	u, err := createDatabase(context.Background(), server, database)
	require.NoError(t, err)
	return u
}

func createDatabase(ctx context.Context, server, database string) (string, error) {
	conn, err := pgx.Connect(ctx, server)
	if err != nil {
		return "", fmt.Errorf("connect to test server: %w", err)
	}
	defer conn.Close(ctx)

	_, err = conn.Exec(ctx, "create database "+pgx.Identifier{database}.Sanitize())
	var pgErr *pgconn.PgError
	if err != nil && !(errors.As(err, &pgErr) && pgErr.Code == "42P04") {
		return "", fmt.Errorf("create database %s: %w", database, err)
	}

	u, err := url.Parse(server)
	if err != nil {
		return "", err
	}
	u.Path = "/" + database
	return u.String(), nil
}

func startContainer(ctx context.Context) (string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "postgres",
			"POSTGRES_PASSWORD": "password",
			"POSTGRES_DB":       "gokartrace",
		},
		Cmd: []string{"postgres", "-c", "fsync=off"},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(time.Minute),
		Name: "gokartrace-race-control-test",
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
		Reuse:            true,
	})
	if err != nil {
		return "", err
	}
	host, err := container.Host(ctx)
	if err != nil {
		return "", err
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("postgresql://postgres:password@%s:%s/gokartrace?sslmode=disable", host, port.Port()), nil
}
