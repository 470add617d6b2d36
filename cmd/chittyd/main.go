// Command chittyd runs the ChittyOS evidence core: the HTTP API, the
// processing pipeline, the capability runtime and the maintenance
// scheduler. It runs against postgres and redis when configured, or fully
// in process ("lite mode") when neither is available.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chittyos/chittycore/pkg/api"
	"github.com/chittyos/chittycore/pkg/audit"
	"github.com/chittyos/chittycore/pkg/auth"
	"github.com/chittyos/chittycore/pkg/capability"
	"github.com/chittyos/chittycore/pkg/chittyid"
	"github.com/chittyos/chittycore/pkg/config"
	"github.com/chittyos/chittycore/pkg/contracts"
	"github.com/chittyos/chittycore/pkg/corrections"
	"github.com/chittyos/chittycore/pkg/dedup"
	"github.com/chittyos/chittycore/pkg/entities"
	"github.com/chittyos/chittycore/pkg/exportbus"
	"github.com/chittyos/chittycore/pkg/gaps"
	"github.com/chittyos/chittycore/pkg/observability"
	"github.com/chittyos/chittycore/pkg/pipeline"
	"github.com/chittyos/chittycore/pkg/provenance"
	"github.com/chittyos/chittycore/pkg/ratelimit"
	"github.com/chittyos/chittycore/pkg/retry"
	"github.com/chittyos/chittycore/pkg/schedule"
	"github.com/chittyos/chittycore/pkg/store"
	"github.com/chittyos/chittycore/pkg/syncengine"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("chittyd exited", "error", err)
		os.Exit(1)
	}
}

// locker serializes singleton work across instances. Both store
// implementations satisfy every consumer's structural interface.
type locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

func run() error {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.ProfilesDir != "" {
		profile, err := config.LoadProfile(cfg.ProfilesDir, cfg.Profile)
		if err != nil {
			return fmt.Errorf("load tuning profile: %w", err)
		}
		cfg.ApplyProfile(profile)
		logger.Info("tuning profile applied", "profile", cfg.Profile)
	}

	telCfg := observability.DefaultConfig()
	telCfg.ServiceVersion = version
	telCfg.OTLPEndpoint = cfg.OTLPEndpoint
	telCfg.Enabled = cfg.OTLPEndpoint != ""
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		telCfg.Environment = env
	}
	tel, err := observability.New(ctx, telCfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return fmt.Errorf("ensure data dir: %w", err)
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer db.Close()
		logger.Info("postgres connected")
	} else {
		logger.Info("DATABASE_URL not set, running in lite mode", "data_dir", dataDir)
	}

	policies := ratelimit.DefaultPolicies()
	for class, bucket := range cfg.Tuning.RateLimits {
		policies[ratelimit.Class(class)] = ratelimit.Policy{
			Capacity:      bucket.Requests,
			WindowSeconds: bucket.WindowSeconds,
		}
	}

	var (
		kv      store.KV
		lease   locker
		limiter ratelimit.Limiter
	)
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opt)
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		defer client.Close()
		kv = store.NewRedisKV(client)
		lease = store.NewRedisLocker(client)
		limiter = ratelimit.NewRedisLimiter(client, policies)
		logger.Info("redis connected")
	} else {
		kv = store.NewMemoryKV()
		lease = store.NewMemoryLocker()
		limiter = ratelimit.NewMemoryLimiter(policies)
	}

	objects, err := store.ObjectStoreFromEnv(ctx)
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}

	backends, err := openBackends(ctx, db, dataDir, logger)
	if err != nil {
		return err
	}

	identity := chittyid.NewClient(cfg.ChittyIDBaseURL, cfg.ChittyIDAPIKey,
		chittyid.WithLogger(logger.With("component", "chittyid")),
		chittyid.WithRetryPolicy(retryPolicy(cfg)),
		chittyid.WithStatusCache(kvStatusCache{kv: kv}, 30*time.Second),
	)

	prov := provenance.NewService(backends.provenance,
		provenance.WithLogger(logger.With("component", "provenance")))
	gapSvc := gaps.NewService(backends.gaps, backends.documents, prov,
		gaps.WithLogger(logger.With("component", "gaps")))
	engine := dedup.NewEngine(backends.dedup, backends.documents, prov,
		dedup.WithLogger(logger.With("component", "dedup")))
	corrSvc, err := corrections.NewService(backends.corrections, backends.documents, prov,
		corrections.WithLogger(logger.With("component", "corrections")))
	if err != nil {
		return fmt.Errorf("init corrections: %w", err)
	}
	entSvc := entities.NewService(backends.entities, prov,
		entities.WithLogger(logger.With("component", "entities")))

	syncOpts := []syncengine.Option{
		syncengine.WithLogger(logger.With("component", "syncengine")),
	}
	if days := cfg.Tuning.Session.ArchiveAfterDays; days > 0 {
		syncOpts = append(syncOpts, syncengine.WithArchiveAfter(time.Duration(days)*24*time.Hour))
	}
	syncSvc := syncengine.NewService(backends.sync, prov, lease, syncOpts...)

	var sinks []exportbus.Sink
	if cfg.SinksPath != "" {
		if cfg.ExportMasterSecret == "" {
			return errors.New("EXPORT_MASTER_SECRET is required when export sinks are configured")
		}
		sinks, err = exportbus.LoadSinks(cfg.SinksPath)
		if err != nil {
			return fmt.Errorf("load export sinks: %w", err)
		}
		logger.Info("export sinks loaded", "count", len(sinks))
	}
	exports := exportbus.NewService(backends.queue, sinks,
		exportbus.NewWebhookDispatcher([]byte(cfg.ExportMasterSecret)),
		exportbus.WithLogger(logger.With("component", "exportbus")),
		exportbus.WithBatchSize(cfg.Tuning.Export.BatchSize),
		exportbus.WithMaxRetries(cfg.Tuning.Export.MaxRetries),
	)

	registry := capability.NewRegistry()
	if err := api.RegisterCoreCapabilities(registry, prov); err != nil {
		return fmt.Errorf("register capabilities: %w", err)
	}
	invoker := capability.NewInvoker(registry, backends.capabilities,
		capability.WithInvokerLogger(logger.With("component", "capability")),
		capability.WithInvokeObserver(func(ctx context.Context, capabilityID string, elapsed time.Duration, success bool) {
			attrs := observability.CapabilityInvocation(capabilityID, success)
			tel.RecordRequest(ctx, attrs...)
			tel.RecordDuration(ctx, elapsed, attrs...)
		}),
	)
	rollout := capability.NewEngine(registry, backends.capabilities,
		capability.WithEngineLogger(logger.With("component", "rollout")),
		capability.WithWindowHours(cfg.Tuning.Rollout.WindowHours),
		capability.WithRetention(time.Duration(cfg.Tuning.Rollout.PruneOlderThanDays)*24*time.Hour),
	)

	enrichers := append(pipeline.DefaultEnrichers(),
		pipeline.SearchIndexer(store.MemoryEmbedder{}, backends.vectors))
	runner := pipeline.NewRunner(backends.documents, objects, kv, identity, prov,
		pipeline.WithDedupe(engine),
		pipeline.WithExports(exports),
		pipeline.WithEnrichers(enrichers...),
		pipeline.WithLogger(logger.With("component", "pipeline")),
		pipeline.WithStageObserver(func(ctx context.Context, stage string, elapsed time.Duration, err error) {
			attrs := observability.PipelineStage(stage, err != nil)
			tel.RecordDuration(ctx, elapsed, attrs...)
			if err != nil {
				tel.RecordError(ctx, err, attrs...)
			}
		}),
	)

	scanner := dedup.NewScanner(engine, backends.dedup, backends.documents, lease,
		dedup.WithBlobFetcher(objectBlobFetcher{objects: objects}),
		dedup.WithScannerLogger(logger.With("component", "dedup_scan")),
	)

	keySet, err := auth.NewInMemoryKeySet()
	if err != nil {
		return fmt.Errorf("init jwt keyset: %w", err)
	}
	keys := auth.NewMemoryKeyStore()
	seedAPIKeys(keys, logger)
	authn := auth.NewAuthenticator(keys, auth.WithJWTValidator(auth.NewJWTValidator(keySet)))

	trail := audit.NewLogger(os.Stdout)

	srvOpts := []api.ServerOption{
		api.WithAuthenticator(authn),
		api.WithLimiter(limiter),
		// Per-IP guard ahead of the class buckets; generous enough for
		// honest batch clients.
		api.WithGlobalLimiter(api.NewGlobalRateLimiter(50, 100)),
		api.WithIdempotencyStore(api.NewKVIdempotencyStore(kv, 24*time.Hour)),
		api.WithAuditTrail(trail),
		api.WithTelemetry(tel),
		api.WithVersion(version),
		api.WithServerLogger(logger.With("component", "api")),
	}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		srvOpts = append(srvOpts, api.WithCORSOrigins(strings.Split(origins, ",")...))
	}
	srv := api.NewServer(api.Deps{
		Documents:    backends.documents,
		Pipeline:     runner,
		Searcher:     api.NewKeywordSearcher(backends.documents),
		Gaps:         gapSvc,
		Dedup:        engine,
		Corrections:  corrSvc,
		Provenance:   prov,
		Entities:     entSvc,
		Sync:         syncSvc,
		Registry:     registry,
		Invoker:      invoker,
		Rollout:      rollout,
		Capabilities: backends.capabilities,
		Identity:     identity,
	}, srvOpts...)

	sched := schedule.NewRunner(lease,
		schedule.WithLogger(logger.With("component", "schedule")),
		schedule.WithAuditTrail(trail),
		schedule.WithTelemetry(tel),
	)
	if err := registerTasks(sched, tel, logger, taskDeps{
		scanner: scanner,
		rollout: rollout,
		exports: exports,
		corr:    corrSvc,
		ents:    entSvc,
		sync:    syncSvc,
		runner:  runner,
	}); err != nil {
		return err
	}
	sched.Start(ctx)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("chittyd listening", "port", cfg.Port, "version", version)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	sched.Wait()
	logger.Info("chittyd stopped")
	return nil
}

// backends bundles the persistence layer behind each service. Postgres when
// a database is connected, otherwise memory plus a SQLite file for
// capability invocations so rollout decisions survive restarts.
type backends struct {
	documents    store.Documents
	vectors      store.VectorStore
	provenance   provenance.Store
	gaps         gaps.Store
	dedup        dedup.Store
	corrections  corrections.Store
	entities     entities.Store
	sync         syncengine.Store
	queue        exportbus.Queue
	capabilities capability.Store
}

func openBackends(ctx context.Context, db *sql.DB, dataDir string, logger *slog.Logger) (*backends, error) {
	if db == nil {
		caps, err := capability.OpenSQLite(filepath.Join(dataDir, "chittycore.db"))
		if err != nil {
			return nil, fmt.Errorf("open capability store: %w", err)
		}
		return &backends{
			documents:    store.NewMemoryDocuments(),
			vectors:      store.NewMemoryVectorStore(),
			provenance:   provenance.NewMemoryStore(),
			gaps:         gaps.NewMemoryStore(),
			dedup:        dedup.NewMemoryStore(),
			corrections:  corrections.NewMemoryStore(),
			entities:     entities.NewMemoryStore(),
			sync:         syncengine.NewMemoryStore(),
			queue:        exportbus.NewMemoryQueue(),
			capabilities: caps,
		}, nil
	}

	docs := store.NewPostgresDocuments(db)
	provStore := provenance.NewPostgresStore(db)
	gapStore := gaps.NewPostgresStore(db)
	dedupStore := dedup.NewPostgresStore(db)
	corrStore := corrections.NewPostgresStore(db)
	entStore := entities.NewPostgresStore(db)
	syncStore := syncengine.NewPostgresStore(db)
	queue := exportbus.NewPostgresQueue(db)
	capStore := capability.NewPostgresStore(db)

	inits := []struct {
		name string
		init func(context.Context) error
	}{
		{"documents", docs.Init},
		{"provenance", provStore.Init},
		{"gaps", gapStore.Init},
		{"dedup", dedupStore.Init},
		{"corrections", corrStore.Init},
		{"entities", entStore.Init},
		{"sync", syncStore.Init},
		{"export_queue", queue.Init},
		{"capabilities", capStore.Init},
	}
	for _, s := range inits {
		if err := s.init(ctx); err != nil {
			return nil, fmt.Errorf("init %s store: %w", s.name, err)
		}
	}

	b := &backends{
		documents:    docs,
		provenance:   provStore,
		gaps:         gapStore,
		dedup:        dedupStore,
		corrections:  corrStore,
		entities:     entStore,
		sync:         syncStore,
		queue:        queue,
		capabilities: capStore,
	}

	// pgvector needs CREATE EXTENSION vector; fall back rather than refuse
	// to boot on databases without it.
	vectors := store.NewPGVectorStore(db)
	if err := vectors.Init(ctx); err != nil {
		logger.Warn("pgvector unavailable, using in-memory vectors", "error", err)
		b.vectors = store.NewMemoryVectorStore()
	} else {
		b.vectors = vectors
	}
	return b, nil
}

// taskDeps carries everything the recurring maintenance tasks touch.
type taskDeps struct {
	scanner *dedup.Scanner
	rollout *capability.Engine
	exports *exportbus.Service
	corr    *corrections.Service
	ents    *entities.Service
	sync    *syncengine.Service
	runner  *pipeline.Runner
}

func registerTasks(sched *schedule.Runner, tel *observability.Provider, logger *slog.Logger, deps taskDeps) error {
	tasks := []schedule.Task{
		// The scan takes its own lease, so overlapping nodes skip cleanly.
		{Name: "dedup_incremental_scan", Every: time.Hour, Run: func(ctx context.Context) error {
			_, err := deps.scanner.Run(ctx, dedup.ScanIncremental)
			return ignoreHeldLease(err)
		}},
		{Name: "dedup_full_scan", Every: 7 * 24 * time.Hour, Run: func(ctx context.Context) error {
			_, err := deps.scanner.Run(ctx, dedup.ScanFull)
			return ignoreHeldLease(err)
		}},
		{Name: "rollout_tick", Every: time.Hour, Singleton: true, Run: deps.rollout.Tick},
		{Name: "export_drain", Every: 15 * time.Minute, Singleton: true, Run: func(ctx context.Context) error {
			n, err := deps.exports.Drain(ctx)
			if n > 0 {
				tel.AddItems(ctx, int64(n), observability.ScheduledTask("export_drain")...)
			}
			return err
		}},
		{Name: "corrections_apply", Every: 15 * time.Minute, Singleton: true, Run: func(ctx context.Context) error {
			res, err := deps.corr.ApplyBatch(ctx, corrections.ApplyPolicy{}, "system")
			if res.Applied > 0 {
				tel.AddItems(ctx, int64(res.Applied), observability.ScheduledTask("corrections_apply")...)
			}
			return err
		}},
		{Name: "error_pattern_scan", Every: 24 * time.Hour, Singleton: true, Run: func(ctx context.Context) error {
			report, err := deps.runner.ScanErrorPatterns(ctx, time.Now().UTC().Add(-24*time.Hour))
			if err != nil {
				return err
			}
			for _, p := range report.Patterns {
				logger.Warn("recurring pipeline failure",
					"code", p.Code, "stage", p.Stage, "count", p.Count, "sample_id", p.SampleID)
			}
			tel.AddItems(ctx, int64(report.Scanned), observability.ScheduledTask("error_pattern_scan")...)
			return nil
		}},
		{Name: "grant_expiry", Every: 24 * time.Hour, Singleton: true, Run: func(ctx context.Context) error {
			n, err := deps.ents.ExpireGrants(ctx)
			if n > 0 {
				logger.Info("authority grants expired", "count", n)
			}
			return err
		}},
		{Name: "session_archive", Every: 24 * time.Hour, Singleton: true, Run: func(ctx context.Context) error {
			n, err := deps.sync.ArchiveInactive(ctx)
			if n > 0 {
				logger.Info("inactive sessions archived", "count", n)
			}
			return err
		}},
	}
	for _, t := range tasks {
		if err := sched.Register(t); err != nil {
			return fmt.Errorf("register task %s: %w", t.Name, err)
		}
	}
	return nil
}

// ignoreHeldLease treats a lease already held elsewhere as a clean skip.
func ignoreHeldLease(err error) error {
	if f := contracts.AsFault(err); f != nil && f.Code == contracts.CodeStaleWrite {
		return nil
	}
	return err
}

// kvStatusCache adapts the shared KV store to the identity client's status
// cache.
type kvStatusCache struct {
	kv store.KV
}

func (c kvStatusCache) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.kv.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(v), true, nil
}

func (c kvStatusCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.kv.Put(ctx, key, []byte(value), ttl)
}

// objectBlobFetcher lets dedup scans pull raw content for perceptual
// hashing.
type objectBlobFetcher struct {
	objects store.ObjectStore
}

func (f objectBlobFetcher) FetchContent(ctx context.Context, doc contracts.Document) ([]byte, error) {
	return f.objects.Get(ctx, store.VerifiedObjectKey(doc.ID, doc.ContentHash))
}

// seedAPIKeys loads deploy-provisioned credentials from API_KEYS, a
// comma-separated list of token:name:role[|role...] entries. Without any, an
// ephemeral admin token is issued so a fresh install is usable.
func seedAPIKeys(keys *auth.MemoryKeyStore, logger *slog.Logger) {
	raw := os.Getenv("API_KEYS")
	if raw == "" {
		token, _ := keys.Issue("bootstrap-admin", auth.RoleAdmin)
		logger.Warn("API_KEYS not set, issued ephemeral admin token", "token", token)
		return
	}
	registered := 0
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			logger.Warn("skipping malformed API_KEYS entry")
			continue
		}
		keys.Register(parts[0], &auth.APIKey{Name: parts[1], Roles: strings.Split(parts[2], "|")})
		registered++
	}
	logger.Info("api keys registered", "count", registered)
}

func logLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func retryPolicy(cfg *config.Config) retry.Policy {
	p := retry.DefaultPolicy()
	if cfg.Tuning.Retry.MaxAttempts > 0 {
		p.MaxAttempts = cfg.Tuning.Retry.MaxAttempts
	}
	if cfg.Tuning.Retry.BaseDelayMs > 0 {
		p.BaseDelay = time.Duration(cfg.Tuning.Retry.BaseDelayMs) * time.Millisecond
	}
	return p
}
