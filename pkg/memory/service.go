package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"

	"github.com/mirrormoon/recall/pkg/config"
)

// Service is the orchestrator for memory capture, retrieval and index
// maintenance. The host constructs it once at startup and hands the same
// handle to every caller; every method on a nil or closed handle reports
// ErrNotReady instead of panicking at the call site.
type Service struct {
	cfg       *config.Config
	store     *SQLiteStore
	ai        *AIClient
	retriever *Retriever

	conflictPolicy ConflictPolicy
	decayPolicy    DecayPolicy
	vectorSettings VectorSettings
	kgSettings     KGSettings

	ready atomic.Bool

	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error

	// One guard per maintainer. A tick that fires while the previous run
	// is still in flight is skipped, never queued.
	tagRunning       atomic.Bool
	vectorRunning    atomic.Bool
	kgRunning        atomic.Bool
	retentionRunning atomic.Bool

	cron *gronx.Gronx
}

// NewService opens the store and wires the retrieval pipeline.
func NewService(cfg *config.Config) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	store, err := NewSQLiteStore(cfg.DBPath())
	if err != nil {
		return nil, err
	}

	ai := NewAIClient(AISettings{
		BaseURL:    cfg.AI.APIBase,
		APIKey:     cfg.AI.APIKey,
		ChatModel:  cfg.AI.ChatModel,
		EmbedModel: cfg.AI.EmbeddingModel,
		Timeout:    time.Duration(cfg.AI.TimeoutSeconds) * time.Second,
	})

	vectorSettings := VectorSettings{
		Enabled:    cfg.Retrieval.VectorEnabled,
		BatchSize:  cfg.Maintenance.VectorBatchSize,
		ScanWindow: cfg.Retrieval.VectorScan,
		TopK:       cfg.Retrieval.VectorTopK,
		MinScore:   cfg.Retrieval.VectorMinScore,
	}

	retriever, err := NewRetriever(store, ai,
		RerankerSettings{
			Enabled:  cfg.Reranker.Enabled,
			BaseURL:  cfg.Reranker.APIBase,
			APIKey:   cfg.Reranker.APIKey,
			Model:    cfg.Reranker.Model,
			Ratio:    cfg.Reranker.Ratio,
			MinScore: cfg.Reranker.MinScore,
			Timeout:  time.Duration(cfg.Reranker.TimeoutSeconds) * time.Second,
		},
		RetrievalSettings{
			DefaultLimit:    cfg.Retrieval.DefaultLimit,
			MaxLimit:        cfg.Retrieval.MaxLimit,
			DefaultMaxChars: cfg.Retrieval.DefaultMaxChars,
			LayerLimit:      cfg.Retrieval.LayerLimit,
			TagFanout:       cfg.Retrieval.TagFanout,
			CacheTTL:        time.Duration(cfg.Retrieval.CacheSeconds) * time.Second,
		},
		vectorSettings)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	svc := &Service{
		cfg:       cfg,
		store:     store,
		ai:        ai,
		retriever: retriever,
		conflictPolicy: ConflictPolicy{
			SimilarityThreshold: cfg.Capture.SimilarityThreshold,
			CandidateScan:       cfg.Capture.CandidateScan,
		},
		decayPolicy: DecayPolicy{
			BaseHalfLifeDays: float64(cfg.Maintenance.RetentionHalfLifeDays),
			ArchiveThreshold: cfg.Maintenance.ArchiveThreshold,
			BatchSize:        200,
		},
		vectorSettings: vectorSettings,
		kgSettings: KGSettings{
			Enabled:         true,
			BatchSize:       cfg.Maintenance.KGBatchSize,
			IncludeMessages: cfg.Maintenance.KGIncludeMessages,
		},
		stopCh: make(chan struct{}),
		cron:   gronx.New(),
	}
	svc.ready.Store(true)
	return svc, nil
}

func (s *Service) guard() error {
	if s == nil || !s.ready.Load() {
		return ErrNotReady
	}
	return nil
}

// Close stops maintenance, waits for in-flight ticks and closes the store.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.ready.Store(false)
		close(s.stopCh)
		s.wg.Wait()
		s.retriever.Close()
		s.closeErr = s.store.Close()
	})
	return s.closeErr
}

// StartMaintenance spawns one goroutine per maintainer. Tag and vector
// indexing run every few seconds, graph extraction a little slower, and
// the retention sweep is gated by a cron expression checked each minute.
// Calling it twice is a no-op.
func (s *Service) StartMaintenance() error {
	if err := s.guard(); err != nil {
		return err
	}
	s.startOnce.Do(func() {
		tagInterval := time.Duration(s.cfg.Maintenance.TagIntervalSeconds) * time.Second
		if tagInterval <= 0 {
			tagInterval = 3 * time.Second
		}
		vectorInterval := time.Duration(s.cfg.Maintenance.VectorIntervalSeconds) * time.Second
		if vectorInterval <= 0 {
			vectorInterval = 5 * time.Second
		}
		kgInterval := time.Duration(s.cfg.Maintenance.KGIntervalSeconds) * time.Second
		if kgInterval <= 0 {
			kgInterval = 7 * time.Second
		}

		s.spawnWorker(tagInterval, func(ctx context.Context) {
			_, _ = s.RunTagMaintenance(ctx, s.cfg.Maintenance.TagBatchSize)
		})
		if s.vectorSettings.Enabled {
			s.spawnWorker(vectorInterval, func(ctx context.Context) {
				_, _ = s.RunVectorMaintenance(ctx, s.cfg.Maintenance.VectorBatchSize)
			})
		}
		if s.kgSettings.Enabled {
			s.spawnWorker(kgInterval, func(ctx context.Context) {
				_, _ = s.RunKGMaintenance(ctx, s.cfg.Maintenance.KGBatchSize)
			})
		}
		s.spawnWorker(time.Minute, func(ctx context.Context) {
			due, err := s.cron.IsDue(s.cfg.Maintenance.RetentionCron, time.Now())
			if err != nil || !due {
				return
			}
			_, _ = s.RunRetentionMaintenance(ctx)
		})
	})
	return nil
}

func (s *Service) spawnWorker(interval time.Duration, tick func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				tick(context.Background())
			}
		}
	}()
}

// Retrieve builds the prompt addon for one query.
func (s *Service) Retrieve(ctx context.Context, opts RetrieveOptions) (RetrieveResult, error) {
	if err := s.guard(); err != nil {
		return RetrieveResult{}, err
	}
	var persona *Persona
	if opts.PersonaID != "" {
		p, err := s.store.GetPersona(ctx, opts.PersonaID)
		if err == nil {
			if !p.RetrieveEnabled {
				return RetrieveResult{Debug: RetrievalDebug{Layers: []LayerStat{}}}, nil
			}
			persona = &p
		}
	}
	return s.retriever.Retrieve(ctx, opts, persona)
}

// List pages through records.
func (s *Service) List(ctx context.Context, f RecordFilter, order string, limit, offset int) (int, []MemoryRecord, error) {
	if err := s.guard(); err != nil {
		return 0, nil, err
	}
	return s.store.ListRecords(ctx, f, order, limit, offset)
}

func (s *Service) Get(ctx context.Context, rowid int64) (MemoryRecord, error) {
	if err := s.guard(); err != nil {
		return MemoryRecord{}, err
	}
	return s.store.GetRecord(ctx, rowid)
}

// UpsertManual inserts a user-authored record, bypassing capture heuristics
// but not conflict detection.
func (s *Service) UpsertManual(ctx context.Context, rec MemoryRecord) (CaptureOutcome, error) {
	if err := s.guard(); err != nil {
		return CaptureOutcome{}, err
	}
	if rec.Source == "" {
		rec.Source = SourceManual
	}
	return processCandidate(ctx, s.store, rec, s.conflictPolicy)
}

// Update rewrites a record's content, appending a version.
func (s *Service) Update(ctx context.Context, rowid int64, content, reason, source string) (MemoryRecord, error) {
	if err := s.guard(); err != nil {
		return MemoryRecord{}, err
	}
	return s.store.UpdateContent(ctx, rowid, content, reason, source)
}

func (s *Service) UpdateMeta(ctx context.Context, sel Selector, patch MetaPatch) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	return s.store.UpdateMeta(ctx, sel, patch)
}

func (s *Service) Delete(ctx context.Context, sel Selector) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	return s.store.DeleteRecords(ctx, sel)
}

func (s *Service) ListVersions(ctx context.Context, rowid int64, limit int) ([]VersionRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.store.ListVersions(ctx, rowid, limit)
}

func (s *Service) RollbackVersion(ctx context.Context, versionID int64) (MemoryRecord, error) {
	if err := s.guard(); err != nil {
		return MemoryRecord{}, err
	}
	return s.store.RollbackVersion(ctx, versionID)
}

func (s *Service) ListConflicts(ctx context.Context, personaID string, scope ScopeFilter, status string, limit, offset int) (int, []ConflictRecord, error) {
	if err := s.guard(); err != nil {
		return 0, nil, err
	}
	return s.store.ListConflicts(ctx, personaID, scope, status, limit, offset)
}

func (s *Service) ResolveConflict(ctx context.Context, id int64, action ResolveAction, mergedContent string) (ResolveResult, error) {
	if err := s.guard(); err != nil {
		return ResolveResult{}, err
	}
	return s.store.ResolveConflict(ctx, id, action, mergedContent)
}

func (s *Service) ListPersonas(ctx context.Context) ([]Persona, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.store.ListPersonas(ctx)
}

func (s *Service) GetPersona(ctx context.Context, id string) (Persona, error) {
	if err := s.guard(); err != nil {
		return Persona{}, err
	}
	return s.store.GetPersona(ctx, id)
}

func (s *Service) CreatePersona(ctx context.Context, p Persona) (Persona, error) {
	if err := s.guard(); err != nil {
		return Persona{}, err
	}
	return s.store.CreatePersona(ctx, p)
}

func (s *Service) UpdatePersona(ctx context.Context, p Persona) (Persona, error) {
	if err := s.guard(); err != nil {
		return Persona{}, err
	}
	return s.store.UpdatePersona(ctx, p)
}

func (s *Service) DeletePersona(ctx context.Context, id string) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.store.DeletePersona(ctx, id)
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	if err := s.guard(); err != nil {
		return Stats{}, err
	}
	return s.store.Stats(ctx)
}

// IngestChatMessage is the fire-and-forget hook the chat collaborator calls
// on every stored turn. The raw turn is logged, then capture heuristics run
// under the persona's policy. Errors surface to the caller but the caller
// is expected to drop them.
func (s *Service) IngestChatMessage(ctx context.Context, msg ChatMessage) ([]CaptureOutcome, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if _, err := s.store.InsertChatMessage(ctx, msg); err != nil {
		return nil, err
	}

	capture := true
	captureRole := msg.Role == "user"
	if msg.PersonaID != "" {
		if p, err := s.store.GetPersona(ctx, msg.PersonaID); err == nil {
			capture = p.CaptureEnabled
			switch msg.Role {
			case "user":
				captureRole = p.CaptureUser
			case "assistant":
				captureRole = p.CaptureAssistant
			default:
				captureRole = false
			}
		}
	}
	if !capture || !captureRole {
		return nil, nil
	}

	var outcomes []CaptureOutcome
	for _, cand := range extractCandidates(msg) {
		outcome, err := processCandidate(ctx, s.store, cand, s.conflictPolicy)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// RunTagMaintenance indexes one batch of untagged records. Concurrent
// invocations are skipped, reporting scanned 0.
func (s *Service) RunTagMaintenance(ctx context.Context, batchSize int) (TagReport, error) {
	if err := s.guard(); err != nil {
		return TagReport{}, err
	}
	if !s.tagRunning.CompareAndSwap(false, true) {
		return TagReport{}, nil
	}
	defer s.tagRunning.Store(false)
	return runTagBatch(ctx, s.store, batchSize)
}

// RunVectorMaintenance embeds one batch of un-embedded records.
func (s *Service) RunVectorMaintenance(ctx context.Context, batchSize int) (VectorReport, error) {
	if err := s.guard(); err != nil {
		return VectorReport{}, err
	}
	if !s.vectorSettings.Enabled {
		return VectorReport{}, nil
	}
	if !s.vectorRunning.CompareAndSwap(false, true) {
		return VectorReport{}, nil
	}
	defer s.vectorRunning.Store(false)
	settings := s.vectorSettings
	if batchSize > 0 {
		settings.BatchSize = batchSize
	}
	return runVectorBatch(ctx, s.store, s.ai, settings, s.cfg.AI.EmbeddingModel)
}

// RunKGMaintenance extracts entities/relations from one small batch.
func (s *Service) RunKGMaintenance(ctx context.Context, batchSize int) (KGReport, error) {
	if err := s.guard(); err != nil {
		return KGReport{}, err
	}
	if !s.kgSettings.Enabled {
		return KGReport{}, nil
	}
	if !s.kgRunning.CompareAndSwap(false, true) {
		return KGReport{}, nil
	}
	defer s.kgRunning.Store(false)
	settings := s.kgSettings
	if batchSize > 0 {
		settings.BatchSize = batchSize
	}
	return runKGBatch(ctx, s.store, s.ai, settings)
}

// RunRetentionMaintenance recomputes retention for all active records.
func (s *Service) RunRetentionMaintenance(ctx context.Context) (RetentionReport, error) {
	if err := s.guard(); err != nil {
		return RetentionReport{}, err
	}
	if !s.retentionRunning.CompareAndSwap(false, true) {
		return RetentionReport{}, nil
	}
	defer s.retentionRunning.Store(false)
	return runRetentionSweep(ctx, s.store, s.decayPolicy, time.Now())
}

// RunPurgeMaintenance physically removes long-deleted rows and their
// orphaned versions, conflicts and index state.
func (s *Service) RunPurgeMaintenance(ctx context.Context) (PurgeReport, error) {
	if err := s.guard(); err != nil {
		return PurgeReport{}, err
	}
	days := s.cfg.Maintenance.PurgeAfterDays
	if days <= 0 {
		days = 30
	}
	horizon := time.Now().AddDate(0, 0, -days)
	return s.store.PurgeDeleted(ctx, horizon)
}

// Store exposes the underlying store for tests and the CLI.
func (s *Service) Store() (*SQLiteStore, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.store, nil
}
