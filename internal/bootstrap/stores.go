package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyang/promptlab/internal/adapter/memory"
	"github.com/alanyang/promptlab/internal/adapter/mysql"
	pgdb "github.com/alanyang/promptlab/internal/adapter/postgres"
	pgdefinition "github.com/alanyang/promptlab/internal/adapter/postgres/definition"
	pgeventbus "github.com/alanyang/promptlab/internal/adapter/postgres/eventbus"
	pgeventstore "github.com/alanyang/promptlab/internal/adapter/postgres/eventstore"
	pgidempotency "github.com/alanyang/promptlab/internal/adapter/postgres/idempotency"
	pglocker "github.com/alanyang/promptlab/internal/adapter/postgres/locker"
	pgrun "github.com/alanyang/promptlab/internal/adapter/postgres/run"
	"github.com/alanyang/promptlab/internal/config"
	portdef "github.com/alanyang/promptlab/internal/port/definition"
	porteventbus "github.com/alanyang/promptlab/internal/port/eventbus"
	portstore "github.com/alanyang/promptlab/internal/port/eventstore"
	portidem "github.com/alanyang/promptlab/internal/port/idempotency"
	portlocker "github.com/alanyang/promptlab/internal/port/locker"
	portrun "github.com/alanyang/promptlab/internal/port/run"
)

// Stores is the set of adapters the core runs against.
type Stores struct {
	Events      portstore.Store
	Runs        portrun.Repository
	Definitions portdef.Lookup
	Idempotency portidem.Store
	Bus         porteventbus.EventBus
	// Locker is nil when no shared database is configured.
	Locker portlocker.AdvisoryLocker

	Pool    *pgxpool.Pool
	closers []func()
}

// Close releases database handles. Call it only after the core has drained.
func (s *Stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// MemoryStores keeps everything in process.
func MemoryStores(defs portdef.Lookup) Stores {
	return Stores{
		Events:      memory.NewEventStore(),
		Runs:        memory.NewRunRepository(),
		Definitions: defs,
		Idempotency: memory.NewIdempotencyStore(0),
		Bus:         memory.NewEventBus(),
	}
}

// OpenStores connects the backends named by cfg.Store.
func OpenStores(ctx context.Context, cfg config.Config) (Stores, error) {
	switch cfg.Store.Driver {
	case "postgres":
		pool, err := pgdb.Connect(ctx, cfg.Store.DatabaseURL, cfg.Store.MaxConns)
		if err != nil {
			return Stores{}, fmt.Errorf("connecting to database: %w", err)
		}
		if err := pgdb.Migrate(ctx, pool); err != nil {
			pool.Close()
			return Stores{}, fmt.Errorf("migrating database: %w", err)
		}
		return Stores{
			Events:      pgeventstore.New(pool),
			Runs:        pgrun.New(pool),
			Definitions: pgdefinition.New(pool),
			Idempotency: pgidempotency.New(pool),
			Bus:         pgeventbus.New(pool),
			Locker:      pglocker.New(pool),
			Pool:        pool,
			closers:     []func(){pool.Close},
		}, nil

	case "mysql":
		defs, err := loadDefinitions(cfg)
		if err != nil {
			return Stores{}, err
		}
		events, err := mysql.Open(cfg.Store.MySQLDSN)
		if err != nil {
			return Stores{}, fmt.Errorf("opening mysql event store: %w", err)
		}
		st := MemoryStores(defs)
		st.Events = events
		st.closers = append(st.closers, func() {
			if err := events.Close(); err != nil {
				slog.Error("closing mysql event store", "error", err)
			}
		})
		return st, nil

	default:
		defs, err := loadDefinitions(cfg)
		if err != nil {
			return Stores{}, err
		}
		return MemoryStores(defs), nil
	}
}

func loadDefinitions(cfg config.Config) (*memory.Definitions, error) {
	if cfg.Definitions.File == "" {
		slog.Warn("no definitions file configured; card lookups will fail until one is set")
		return memory.NewDefinitions(), nil
	}
	defs, err := memory.LoadDefinitions(cfg.Definitions.File)
	if err != nil {
		return nil, fmt.Errorf("loading definitions: %w", err)
	}
	return defs, nil
}
