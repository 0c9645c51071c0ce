// Package runtime wires every query-index component into one long-lived
// CoreRuntime: the Postgres pool, the in-process TTL caches, and the
// capability interfaces (event bus, entity registry, vector service,
// encryption hooks) the core depends on, per spec.md §9's dependency
// injection re-architecture.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/openmercato/queryindex/internal/config"
	service "github.com/openmercato/queryindex/internal/core/service"
	"github.com/openmercato/queryindex/internal/eventbus"
	"github.com/openmercato/queryindex/internal/logger"
	"github.com/openmercato/queryindex/internal/metrics"
	"github.com/openmercato/queryindex/internal/migrations"
	"github.com/openmercato/queryindex/internal/queryindex/batch"
	"github.com/openmercato/queryindex/internal/queryindex/builder"
	"github.com/openmercato/queryindex/internal/queryindex/coverage"
	"github.com/openmercato/queryindex/internal/queryindex/handlers"
	"github.com/openmercato/queryindex/internal/queryindex/indexer"
	"github.com/openmercato/queryindex/internal/queryindex/jobs"
	"github.com/openmercato/queryindex/internal/queryindex/model"
	"github.com/openmercato/queryindex/internal/queryindex/planner"
	"github.com/openmercato/queryindex/internal/queryindex/purge"
	"github.com/openmercato/queryindex/internal/queryindex/reindex"
	"github.com/openmercato/queryindex/internal/queryindex/status"
	"github.com/openmercato/queryindex/internal/queryindex/tokens"
	"github.com/openmercato/queryindex/internal/storage/postgres"
)

// Dependencies carries the capability interfaces CoreRuntime cannot build on
// its own: they come from the host application.
type Dependencies struct {
	Registry eventbus.EntityRegistryLike
	Vector   eventbus.VectorServiceLike
	Encrypt  eventbus.EncryptionHookSet
	ParentOf map[model.EntityType]postgres.ParentJoin

	// ReindexObservation, when set, is attached to the Reindexer so a host
	// application can wire metrics/tracing around each reindex pass without
	// this package depending on a concrete backend.
	ReindexObservation service.ObservationHooks
}

// CoreRuntime owns the database pool and every query-index component built
// on top of it. The process-lifetime caches that must not be reconstructed
// per request (the planner's column, custom-field-key and pending-refresh
// caches, and the base-table reader's column cache) live inside those
// components, so they last as long as the CoreRuntime.
type CoreRuntime struct {
	cfg *config.Config
	db  *sqlx.DB
	log *logger.Logger

	Bus       *eventbus.Bus
	Builder   *builder.Builder
	Indexer   *indexer.Indexer
	Upserter  *batch.Upserter
	Tokens    *tokens.Extractor
	Coverage  *coverage.Accountant
	Jobs      *jobs.Ledger
	Reindexer *reindex.Reindexer
	Purger    *purge.Purger
	Planner   *planner.Planner
	Handlers  *handlers.Handlers
	Status    *status.Aggregator

	unsubscribe func()
}

// Init opens the Postgres pool, constructs every storage adapter, and wires
// the full query-index component graph. Callers must call Close on the
// returned CoreRuntime when done.
func Init(ctx context.Context, cfg *config.Config, deps Dependencies) (*CoreRuntime, error) {
	log := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifeSecs) * time.Second)

	if cfg.Database.AutoMigrate {
		if err := migrations.Apply(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply schema migrations: %w", err)
		}
	}

	base := postgres.NewBaseStore(db, "")

	baseTable := postgres.NewBaseTableReader(base, deps.Registry, toParentOfMap(deps.ParentOf))
	customFields := postgres.NewCustomFieldStore(base)
	indexStore := postgres.NewIndexStore(base)
	tokenStore := postgres.NewTokenStore(base)
	coverageStore := postgres.NewCoverageStore(base)
	jobStore := postgres.NewJobStore(base)
	sqlExec := postgres.NewSQLExecutor(base)
	customEntities := postgres.NewCustomEntityStore(base)
	errorLog := postgres.NewErrorLogStore(base)

	bus := eventbus.NewBus(log)

	b := builder.New(baseTable, customFields, customFields,
		builder.WithParentFetcher(baseTable, compositeEntityTypes(deps.ParentOf)),
		builder.WithEncryptHook(deps.Encrypt.Encrypt),
	)

	tokenExtractor := tokens.New(tokenStore, tokens.Config{})
	idx := indexer.New(b, indexStore, tokenExtractor, deps.Encrypt.Decrypt)
	upserter := batch.New(b, indexStore, tokenExtractor)

	var vectorCounter coverage.VectorCounter
	if deps.Vector != nil {
		vectorCounter = deps.Vector
	}
	acct := coverage.New(coverageStore, baseTable, vectorCounter, cfg.Tunables.CoverageStale(), cfg.Tunables.RefreshThrottle())

	reindexHooks := deps.ReindexObservation
	if reindexHooks.OnStart == nil && reindexHooks.OnComplete == nil {
		reindexHooks = metrics.ReindexHooks()
	}

	ledger := jobs.New(jobStore, cfg.Tunables.HeartbeatStale())
	reindexer := reindex.New(baseTable, indexStore, upserter, acct, ledger, bus, deps.Vector).
		WithObservationHooks(reindexHooks)
	purger := purge.New(indexStore, ledger)

	pl := planner.New(deps.Registry, baseTable, sqlExec, customFields, customEntities, acct, bus, planner.Options{
		ForcePartialIndex:  cfg.Tunables.ForceOnPartialIndexes,
		AutoReindexEnabled: cfg.Tunables.ScheduleAutoReindex,
		CustomFieldKeysTTL: time.Duration(cfg.Tunables.CustomFieldKeysCacheMs) * time.Millisecond,
	})

	h := handlers.New(bus, deps.Registry, baseTable, customFields, idx, acct, reindexer, purger, errorLog, handlers.Config{
		CoverageRefreshDelay: 2 * time.Second,
		WarmupThrottle:       5 * time.Minute,
	})
	unsubscribe := h.Register()

	agg := status.New(deps.Registry, acct, jobStore, cfg.Tunables.HeartbeatStale())

	return &CoreRuntime{
		cfg: cfg, db: db, log: log,
		Bus: bus, Builder: b, Indexer: idx, Upserter: upserter, Tokens: tokenExtractor,
		Coverage: acct, Jobs: ledger, Reindexer: reindexer, Purger: purger,
		Planner: pl, Handlers: h, Status: agg,
		unsubscribe: unsubscribe,
	}, nil
}

func toParentOfMap(m map[model.EntityType]postgres.ParentJoin) map[model.EntityType]postgres.ParentJoin {
	if m == nil {
		return map[model.EntityType]postgres.ParentJoin{}
	}
	return m
}

func compositeEntityTypes(m map[model.EntityType]postgres.ParentJoin) []model.EntityType {
	out := make([]model.EntityType, 0, len(m))
	for et := range m {
		out = append(out, et)
	}
	return out
}

// Close unsubscribes every handler and closes the database pool.
func (r *CoreRuntime) Close() error {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("close database pool: %w", err)
	}
	return nil
}
