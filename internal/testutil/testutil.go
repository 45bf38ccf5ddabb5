// Package testutil starts a throwaway PostgreSQL for the storage
// integration tests.
//
//	func TestMain(m *testing.M) {
//	    pg, err := testutil.StartPostgres(ctx)
//	    if err != nil { os.Exit(m.Run()) } // tests call t.Skip
//	    defer pg.Terminate()
//	    testDB, _ = pg.NewTestDB(ctx, testutil.TestLogger())
//	    os.Exit(m.Run())
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/migrations"
)

// DefaultImage is used unless KANSOKU_TEST_POSTGRES_IMAGE names another.
const DefaultImage = "postgres:16-alpine"

const (
	pgUser     = "kansoku"
	pgPassword = "kansoku"
	pgDatabase = "kansoku"
)

// Postgres is a running container and the DSN that reaches it.
type Postgres struct {
	Container testcontainers.Container
	DSN       string
}

// StartPostgres starts a Postgres container and waits until it accepts
// connections. Callers treat an error as "no container runtime".
func StartPostgres(ctx context.Context) (*Postgres, error) {
	image := os.Getenv("KANSOKU_TEST_POSTGRES_IMAGE")
	if image == "" {
		image = DefaultImage
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        image,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     pgUser,
				"POSTGRES_PASSWORD": pgPassword,
				"POSTGRES_DB":       pgDatabase,
			},
			// The entrypoint restarts the server once after init; the second
			// "ready" line is the real one.
			WaitingFor: wait.ForAll(
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
				wait.ForListeningPort("5432/tcp"),
			).WithDeadline(90 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("testutil: start %s: %w", image, err)
	}

	endpoint, err := container.PortEndpoint(ctx, "5432/tcp", "")
	if err != nil {
		_ = container.Terminate(context.Background())
		return nil, fmt.Errorf("testutil: container endpoint: %w", err)
	}
	return &Postgres{
		Container: container,
		DSN:       fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", pgUser, pgPassword, endpoint, pgDatabase),
	}, nil
}

// NewTestDB connects a storage.DB with a notify connection and applies the
// embedded migrations.
func (p *Postgres) NewTestDB(ctx context.Context, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.New(ctx, p.DSN, p.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: connect: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		_ = db.Close(ctx)
		return nil, fmt.Errorf("testutil: migrate: %w", err)
	}
	return db, nil
}

// Terminate removes the container.
func (p *Postgres) Terminate() {
	_ = p.Container.Terminate(context.Background())
}

// TestLogger logs warnings and errors only.
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
