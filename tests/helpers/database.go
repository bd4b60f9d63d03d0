package helpers

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mediavault/fetchd/internal/database"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	dbUser       = "postgres"
	dbPassword   = "postgres"
	masterDBName = "fetchd_master"
)

var (
	containerOnce sync.Once
	containerErr  error
	postgresHost  string
	postgresPort  string

	// provisionMu serialises database creation and migration; the goose
	// migrator holds package-level state.
	provisionMu      sync.Mutex
	masterConnection *sql.DB
)

// ProvisionDatabase spawns a shared postgres container (once per test binary),
// creates a fresh database named after the calling test and returns a fully
// migrated sqlx handle for it. The handle closes when the test finishes; the
// container itself is reaped by testcontainers.
func ProvisionDatabase(t *testing.T) *sqlx.DB {
	containerOnce.Do(spawnPostgres)
	if containerErr != nil {
		t.Fatalf("failed to start postgres container: %s", containerErr)
	}

	provisionMu.Lock()
	defer provisionMu.Unlock()

	name := databaseNameFor(t)
	if _, err := masterConnection.Exec(fmt.Sprintf(`CREATE DATABASE %q`, name)); err != nil {
		t.Fatalf("failed to provision database '%s': %s", name, err)
	}

	manager := database.New()
	if err := manager.Connect(database.DatabaseConfig{
		User:     dbUser,
		Password: dbPassword,
		Name:     name,
		Host:     postgresHost,
		Port:     postgresPort,
	}); err != nil {
		t.Fatalf("failed to connect to provisioned database '%s': %s", name, err)
	}

	db := manager.GetSqlxDb()
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func spawnPostgres() {
	ctx := context.Background()
	pgContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("docker.io/postgres:14.1-alpine"),
		postgres.WithDatabase(masterDBName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		containerErr = fmt.Errorf("failed to start container: %w", err)
		return
	}

	host, err := pgContainer.Host(ctx)
	if err != nil {
		containerErr = fmt.Errorf("failed to resolve container host: %w", err)
		return
	}

	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		containerErr = fmt.Errorf("failed to resolve container port: %w", err)
		return
	}

	postgresHost, postgresPort = host, port.Port()

	dsn := fmt.Sprintf(database.SqlConnectionString, postgresHost, dbUser, dbPassword, masterDBName, postgresPort)
	masterConnection, err = sql.Open(database.SqlDialect, dsn)
	if err != nil {
		containerErr = fmt.Errorf("failed to open master connection: %w", err)
	}
}

var identifierPattern = regexp.MustCompile(`[^a-z0-9_]+`)

// databaseNameFor derives a valid, unique postgres identifier from the
// test name.
func databaseNameFor(t *testing.T) string {
	name := identifierPattern.ReplaceAllString(strings.ToLower(t.Name()), "_")
	if len(name) > 40 {
		name = name[:40]
	}

	return fmt.Sprintf("%s_%d", name, time.Now().UnixNano()%1_000_000)
}
