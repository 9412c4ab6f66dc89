// Package memsync assembles the memory system: the store of record, the
// consolidation pipeline, the search index projections and the background
// worker that drains the sync outbox.
package memsync

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dotsetgreg/memsync/pkg/cluster"
	"github.com/dotsetgreg/memsync/pkg/config"
	"github.com/dotsetgreg/memsync/pkg/consolidate"
	"github.com/dotsetgreg/memsync/pkg/indexsync"
	"github.com/dotsetgreg/memsync/pkg/lifecycle"
	"github.com/dotsetgreg/memsync/pkg/lock"
	"github.com/dotsetgreg/memsync/pkg/logger"
	"github.com/dotsetgreg/memsync/pkg/memory"
	"github.com/dotsetgreg/memsync/pkg/observability"
	"github.com/dotsetgreg/memsync/pkg/profile"
	"github.com/dotsetgreg/memsync/pkg/providers"
	"github.com/dotsetgreg/memsync/pkg/resilience"
	"github.com/dotsetgreg/memsync/pkg/textindex"
	"github.com/dotsetgreg/memsync/pkg/vectorindex"
)

// Options override the dependencies New would build from config.
type Options struct {
	Logger   *zap.Logger
	Store    memory.Store
	Provider providers.Provider
	Locker   lock.Locker

	// ESTransport replaces the Elasticsearch HTTP transport.
	ESTransport http.RoundTripper
	// ESRefresh is passed to every document write ("true", "wait_for").
	ESRefresh string

	Metrics *observability.Collector
	Now     func() time.Time
}

// Service is the assembled memory system.
type Service struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    memory.Store
	provider providers.Provider
	metrics  *observability.Collector
	now      func() time.Time

	text    *textindex.Client
	vectors *vectorindex.Store
	textT   *textindex.Target
	vectorT *vectorindex.Target

	sync     *indexsync.Service
	registry *lifecycle.Registry
	indexes  *lifecycle.Manager
	clusters *cluster.Manager
	orch     *consolidate.Orchestrator
	// offline commits without inline index writes, used until the aliases
	// exist.
	offline *consolidate.Orchestrator

	readyMu sync.Mutex
	ready   bool

	closers []func() error

	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

// Alias names derived from the configured prefix.
func MemCellTextAlias(prefix string) string   { return prefix + "-memcells" }
func ProfileTextAlias(prefix string) string   { return prefix + "-profiles" }
func MemCellVectorAlias(prefix string) string { return prefix + "-vec-memcells" }
func ProfileVectorAlias(prefix string) string { return prefix + "-vec-profiles" }

func New(ctx context.Context, cfg *config.Config, opts Options) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("memsync config is required: %w", memory.ErrInvalidInput)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", memory.ErrInvalidInput, err)
	}
	s := &Service{cfg: cfg, stopCh: make(chan struct{}), now: opts.Now}
	if s.now == nil {
		s.now = time.Now
	}

	var err error
	s.logger = opts.Logger
	if s.logger == nil {
		if s.logger, err = logger.New(cfg.Logging); err != nil {
			return nil, err
		}
	}
	s.metrics = opts.Metrics
	if s.metrics == nil {
		s.metrics = observability.NewCollector("memsync")
	}

	s.store = opts.Store
	if s.store == nil {
		if s.store, err = memory.NewSQLiteStore(cfg.StorePath()); err != nil {
			return nil, err
		}
		s.closers = append(s.closers, s.store.Close)
	}

	s.provider = opts.Provider
	if s.provider == nil {
		if s.provider, err = providers.CreateProvider(cfg, s.logger); err != nil {
			_ = s.Close()
			return nil, err
		}
	}

	locker := opts.Locker
	if locker == nil && cfg.Redis.URL != "" {
		rl, err := lock.NewRedisLocker(ctx, lock.RedisOptions{
			URL:       cfg.Redis.URL,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       time.Duration(cfg.Redis.LockTTLSeconds) * time.Second,
			Logger:    s.logger,
		})
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.closers = append(s.closers, rl.Close)
		locker = rl
	}

	if err := s.buildIndexes(cfg, opts); err != nil {
		_ = s.Close()
		return nil, err
	}

	if s.clusters, err = cluster.NewManager(cluster.Config{
		SimilarityThreshold: cfg.Cluster.SimilarityThreshold,
		MaxTimeGap:          cfg.MaxTimeGap(),
		Horizon:             cfg.Horizon(),
	}); err != nil {
		_ = s.Close()
		return nil, err
	}
	profiles := profile.NewManager(profile.Config{
		MinMemCells:   cfg.Profile.MinMemCells,
		MinConfidence: cfg.Profile.MinConfidence,
		Versioning:    cfg.Profile.Versioning,
		MaxSourceIDs:  cfg.Profile.MaxSourceIDs,
		Concurrency:   cfg.Profile.Concurrency,
		Now:           s.now,
	}, s.provider, s.logger)

	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	orchOpts := consolidate.Options{
		Locker:           locker,
		Syncer:           s.sync,
		GroupConcurrency: cfg.Sync.GroupConcurrency,
		Recorder:         s.metrics,
		Logger:           s.logger,
		Now:              s.now,
	}
	s.orch = consolidate.New(s.store, s.clusters, profiles, orchOpts)
	orchOpts.Syncer = nil
	s.offline = consolidate.New(s.store, s.clusters, profiles, orchOpts)
	return s, nil
}

func (s *Service) buildIndexes(cfg *config.Config, opts Options) error {
	prefix := cfg.Elasticsearch.IndexPrefix
	var (
		targets []indexsync.Target
		specs   []lifecycle.IndexSpec
	)

	if cfg.Sync.TextEnabled {
		client, err := textindex.NewClient(textindex.Options{
			Addresses: cfg.Elasticsearch.Addresses,
			Username:  cfg.Elasticsearch.Username,
			Password:  cfg.Elasticsearch.Password,
			APIKey:    cfg.Elasticsearch.APIKey,
			Transport: opts.ESTransport,
			Refresh:   opts.ESRefresh,
			Logger:    s.logger,
		})
		if err != nil {
			return err
		}
		s.text = client
		s.textT = textindex.NewTarget(client, map[memory.EntityKind]string{
			memory.KindMemCell: MemCellTextAlias(prefix),
			memory.KindProfile: ProfileTextAlias(prefix),
		})
		targets = append(targets, s.textT)
		specs = append(specs,
			lifecycle.IndexSpec{Alias: MemCellTextAlias(prefix), Kind: memory.KindMemCell, Target: memory.TargetText, Schema: textindex.MemCellSchema, Admin: client, Writer: s.textT},
			lifecycle.IndexSpec{Alias: ProfileTextAlias(prefix), Kind: memory.KindProfile, Target: memory.TargetText, Schema: textindex.ProfileSchema, Admin: client, Writer: s.textT},
		)
	}

	if cfg.Sync.VectorEnabled {
		store, err := vectorindex.NewStore(vectorindex.Options{
			PersistDir: cfg.VectorPersistPath(),
			Compress:   cfg.Vector.Compress,
			Aliases:    s.store,
			Logger:     s.logger,
		})
		if err != nil {
			return err
		}
		s.vectors = store
		s.vectorT = vectorindex.NewTarget(store, s.provider, map[memory.EntityKind]string{
			memory.KindMemCell: MemCellVectorAlias(prefix),
			memory.KindProfile: ProfileVectorAlias(prefix),
		})
		targets = append(targets, s.vectorT)
		specs = append(specs,
			lifecycle.IndexSpec{Alias: MemCellVectorAlias(prefix), Kind: memory.KindMemCell, Target: memory.TargetVector, Admin: store, Writer: s.vectorT},
			lifecycle.IndexSpec{Alias: ProfileVectorAlias(prefix), Kind: memory.KindProfile, Target: memory.TargetVector, Admin: store, Writer: s.vectorT},
		)
	}

	retry := resilience.DefaultRetryPolicy()
	retry.MaxTries = uint(cfg.Sync.MaxRetries) + 1
	s.sync = indexsync.NewService(s.store, targets, indexsync.Options{
		CallTimeout: cfg.SyncCallTimeout(),
		Retry:       retry,
		Recorder:    s.metrics,
		Logger:      s.logger,
	})

	registry, err := lifecycle.NewRegistry(specs...)
	if err != nil {
		return err
	}
	s.registry = registry
	s.indexes = lifecycle.NewManager(registry, lifecycle.StoreSource{Store: s.store}, lifecycle.ManagerOptions{
		Aliases:  s.store,
		Retry:    retry,
		Recorder: s.metrics,
		Logger:   s.logger,
		Now:      s.now,
	})
	return nil
}

// EnsureIndexes creates the physical index behind every alias that does not
// resolve yet. It is cheap once it has succeeded.
func (s *Service) EnsureIndexes(ctx context.Context) error {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	if s.ready {
		return nil
	}
	if err := s.indexes.EnsureAliases(ctx); err != nil {
		return fmt.Errorf("ensure index aliases: %w", err)
	}
	s.ready = true
	return nil
}

func (s *Service) indexesReady(ctx context.Context) bool {
	if err := s.EnsureIndexes(ctx); err != nil {
		s.logger.Warn("search indexes unavailable, writes deferred to the worker", zap.Error(err))
		return false
	}
	return true
}

// Consolidate clusters cells into groupID and updates affected profiles. When
// the search indexes are unreachable the run still commits and the index
// writes wait in the outbox.
func (s *Service) Consolidate(ctx context.Context, groupID string, cells []memory.MemCell) (consolidate.Result, error) {
	if s.indexesReady(ctx) {
		return s.orch.Consolidate(ctx, groupID, cells)
	}
	return s.offline.Consolidate(ctx, groupID, cells)
}

// ConsolidateGroups runs several groups in parallel.
func (s *Service) ConsolidateGroups(ctx context.Context, batches map[string][]memory.MemCell) consolidate.BatchResult {
	if s.indexesReady(ctx) {
		return s.orch.ConsolidateGroups(ctx, batches)
	}
	return s.offline.ConsolidateGroups(ctx, batches)
}

// FillEmbeddings embeds the text of every cell that arrives without an
// embedding.
func (s *Service) FillEmbeddings(ctx context.Context, cells []memory.MemCell) error {
	for i := range cells {
		if len(cells[i].Embedding) > 0 {
			continue
		}
		emb, err := s.provider.Embed(ctx, cells[i].Text())
		if err != nil {
			return fmt.Errorf("embed %s: %w", cells[i].EventID, err)
		}
		cells[i].Embedding = emb
	}
	return nil
}

// ResyncRequest selects what a resync rewrites.
type ResyncRequest struct {
	// Kinds defaults to memory cells and profiles.
	Kinds   []memory.EntityKind
	Targets []memory.SyncTarget
	// Completed resumes an interrupted run from its checkpoint.
	Completed     map[string]bool
	EntityTimeout time.Duration
}

// Resync rewrites every stored entity of the requested kinds into the
// indexes and reports per-target outcomes.
func (s *Service) Resync(ctx context.Context, req ResyncRequest) (indexsync.Summary, error) {
	if err := s.EnsureIndexes(ctx); err != nil {
		return indexsync.Summary{}, err
	}
	kinds := req.Kinds
	if len(kinds) == 0 {
		kinds = []memory.EntityKind{memory.KindMemCell, memory.KindProfile}
	}
	timeout := req.EntityTimeout
	if timeout <= 0 {
		timeout = 4 * s.cfg.SyncCallTimeout()
	}
	var readErr error
	summary := s.sync.Resync(ctx, s.entities(ctx, kinds, &readErr), indexsync.ResyncOptions{
		Targets:       req.Targets,
		Completed:     req.Completed,
		EntityTimeout: timeout,
	})
	if readErr != nil {
		return summary, fmt.Errorf("read entities: %w", readErr)
	}
	return summary, nil
}

// entities pages through the store. The first read error ends the sequence
// and is stored in errp.
func (s *Service) entities(ctx context.Context, kinds []memory.EntityKind, errp *error) iter.Seq[memory.Entity] {
	src := lifecycle.StoreSource{Store: s.store}
	return func(yield func(memory.Entity) bool) {
		for _, kind := range kinds {
			after := ""
			for {
				page, next, err := src.Page(ctx, kind, after, 200)
				if err != nil {
					*errp = err
					return
				}
				for _, e := range page {
					if !yield(e) {
						return
					}
				}
				if next == "" {
					break
				}
				after = next
			}
		}
	}
}

// RebuildIndex rebuilds the physical index behind alias and swaps it in.
func (s *Service) RebuildIndex(ctx context.Context, alias string, closeOld, deleteOld bool) (lifecycle.Report, error) {
	if err := s.EnsureIndexes(ctx); err != nil {
		return lifecycle.Report{Alias: alias}, err
	}
	return s.indexes.Rebuild(ctx, alias, lifecycle.RebuildOptions{CloseOld: closeOld, DeleteOld: deleteOld})
}

// DeleteMemCell removes a unit everywhere. Index deletes that fail are
// retried by the worker.
func (s *Service) DeleteMemCell(ctx context.Context, eventID string) (indexsync.Result, error) {
	if s.indexesReady(ctx) {
		return s.orch.DeleteMemCell(ctx, eventID)
	}
	return s.offline.DeleteMemCell(ctx, eventID)
}

// PruneClusters drops inactive clusters of groupID, or of every group when
// groupID is empty.
func (s *Service) PruneClusters(ctx context.Context, groupID string) (map[string][]string, error) {
	groups := []string{groupID}
	if groupID == "" {
		var err error
		if groups, err = s.store.ListGroups(ctx); err != nil {
			return nil, err
		}
	}
	out := map[string][]string{}
	var errs []error
	for _, g := range groups {
		removed, err := s.orch.PruneClusters(ctx, g, s.now())
		if err != nil {
			errs = append(errs, fmt.Errorf("group %s: %w", g, err))
			continue
		}
		if len(removed) > 0 {
			out[g] = removed
		}
	}
	return out, errors.Join(errs...)
}

func (s *Service) Store() memory.Store                     { return s.store }
func (s *Service) Logger() *zap.Logger                     { return s.logger }
func (s *Service) Metrics() *observability.Collector       { return s.metrics }
func (s *Service) Aliases() []string                       { return s.registry.Aliases() }
func (s *Service) IndexState(alias string) lifecycle.State { return s.indexes.State(alias) }

// Close stops the worker and releases every owned resource.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		var errs []error
		for i := len(s.closers) - 1; i >= 0; i-- {
			if err := s.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
