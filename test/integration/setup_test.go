//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/slotbook/slotbook/internal/domain/consulting"
	"github.com/slotbook/slotbook/internal/platform/db"
	"github.com/slotbook/slotbook/migrations"
)

// pool is shared by every test in the package.
var pool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	connStr, cleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres: %v\n", err)
		os.Exit(1)
	}

	pool, err = db.NewPool(ctx, db.PoolConfig{URL: connStr, MaxConns: 50, MinConns: 2, ApplicationName: "slotbook-it"})
	if err != nil {
		cleanup()
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	if _, err := db.NewMigrator(pool, migrations.FS, zerolog.Nop()).Up(ctx); err != nil {
		pool.Close()
		cleanup()
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()
	pool.Close()
	cleanup()
	os.Exit(code)
}

type harness struct {
	store     *consulting.Store
	generator *consulting.Generator
	engine    *consulting.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	slots := consulting.NewSlotRepoPG(pool)
	templates := consulting.NewTemplateRepoPG(pool)
	store := consulting.NewStore(slots, templates, consulting.StoreConfig{DefaultCapacity: 1}, zerolog.Nop())
	return &harness{
		store:     store,
		generator: consulting.NewGenerator(store, 30, nil, zerolog.Nop()),
		engine:    consulting.NewEngine(slots, nil, nil, consulting.EngineConfig{CancellationLeadTime: 0}, zerolog.Nop()),
	}
}
