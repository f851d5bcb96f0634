package scan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smrk-ai/simplecomptool/internal/clock/system"
	"github.com/smrk-ai/simplecomptool/internal/crawler"
	"github.com/smrk-ai/simplecomptool/internal/discover"
	"github.com/smrk-ai/simplecomptool/internal/extract"
	"github.com/smrk-ai/simplecomptool/internal/fetchmgr"
	"github.com/smrk-ai/simplecomptool/internal/id/uuid"
	"github.com/smrk-ai/simplecomptool/internal/metrics"
	"github.com/smrk-ai/simplecomptool/internal/pipeline"
	"github.com/smrk-ai/simplecomptool/internal/progress"
	"github.com/smrk-ai/simplecomptool/internal/rendermode"
	"github.com/smrk-ai/simplecomptool/internal/urlcanon"
)

var tracer = otel.Tracer("github.com/smrk-ai/simplecomptool/internal/scan")

// Defaults applied by New.
const (
	DefaultPhaseATimeout   = 20 * time.Second
	DefaultGlobalTimeout   = 60 * time.Second
	DefaultCompletionTopic = "snapshot-completed"
)

// Config tunes scan timing and notifications.
type Config struct {
	PhaseATimeout   time.Duration
	GlobalTimeout   time.Duration
	CompletionTopic string
}

// Validator rejects unsafe scan targets.
type Validator interface {
	ValidateForScanning(ctx context.Context, raw string) error
}

// Runner executes background tasks; the dispatcher satisfies it.
type Runner interface {
	Enqueue(ctx context.Context, task crawler.Task) error
}

// Deps are the collaborators of a Service. Store, Blobs, Fetch and Runner
// are required; the rest fall back to defaults.
type Deps struct {
	Store      crawler.Store
	Blobs      crawler.BlobStore
	Fetch      *fetchmgr.Manager
	Runner     Runner
	Validator  Validator
	Discoverer *discover.Discoverer
	Decider    *rendermode.Decider
	Summarizer crawler.Summarizer
	Publisher  crawler.Publisher
	Emitter    progress.Emitter
	Clock      crawler.Clock
	IDs        crawler.IDGenerator
	Logger     *zap.Logger
}

// Service runs scans. It is safe for concurrent use; every scan owns its
// own fetch session.
type Service struct {
	cfg        Config
	store      crawler.Store
	persister  *pipeline.Persister
	fetch      *fetchmgr.Manager
	runner     Runner
	validator  Validator
	discoverer *discover.Discoverer
	decider    *rendermode.Decider
	summarizer crawler.Summarizer
	publisher  crawler.Publisher
	emitter    progress.Emitter
	clock      crawler.Clock
	ids        crawler.IDGenerator
	logger     *zap.Logger

	mu      sync.Mutex
	pending map[string]chan struct{}
}

// New validates deps and builds a Service.
func New(cfg Config, deps Deps) (*Service, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("scan: store is required")
	case deps.Blobs == nil:
		return nil, errors.New("scan: blob store is required")
	case deps.Fetch == nil:
		return nil, errors.New("scan: fetch manager is required")
	case deps.Runner == nil:
		return nil, errors.New("scan: runner is required")
	}
	if cfg.PhaseATimeout <= 0 {
		cfg.PhaseATimeout = DefaultPhaseATimeout
	}
	if cfg.GlobalTimeout <= 0 {
		cfg.GlobalTimeout = DefaultGlobalTimeout
	}
	if cfg.CompletionTopic == "" {
		cfg.CompletionTopic = DefaultCompletionTopic
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Validator == nil {
		deps.Validator = urlcanon.NewValidator(nil)
	}
	if deps.Discoverer == nil {
		deps.Discoverer = discover.New(0, logger.Named("discover"))
	}
	if deps.Decider == nil {
		deps.Decider = rendermode.New(0, logger.Named("rendermode"))
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.NopEmitter{}
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	return &Service{
		cfg:        cfg,
		store:      deps.Store,
		persister:  pipeline.New(deps.Store, deps.Blobs, deps.IDs, logger.Named("pipeline")),
		fetch:      deps.Fetch,
		runner:     deps.Runner,
		validator:  deps.Validator,
		discoverer: deps.Discoverer,
		decider:    deps.Decider,
		summarizer: deps.Summarizer,
		publisher:  deps.Publisher,
		emitter:    deps.Emitter,
		clock:      deps.Clock,
		ids:        deps.IDs,
		logger:     logger,
		pending:    make(map[string]chan struct{}),
	}, nil
}

// Scan validates the request, runs the priority phase synchronously and
// hands the remaining pages to the background runner. It always returns a
// structured Response; snapshot_status is "partial" on success.
func (s *Service) Scan(ctx context.Context, req Request) (out Response) {
	name := strings.TrimSpace(req.Name)
	if utf8.RuneCountInString(name) > MaxNameLength {
		return s.reject(req, crawler.NewError(crawler.CodeInvalidName,
			fmt.Sprintf("name exceeds %d characters", MaxNameLength)))
	}
	if len(req.URL) > urlcanon.MaxURLLength {
		return s.reject(req, crawler.NewError(crawler.CodeInvalidURL,
			fmt.Sprintf("url exceeds %d characters", urlcanon.MaxURLLength)))
	}
	baseURL, err := urlcanon.NormalizeInput(req.URL)
	if err != nil {
		return s.reject(req, crawler.WrapError(crawler.CodeInvalidURL, err))
	}
	if err := s.validator.ValidateForScanning(ctx, baseURL); err != nil {
		return s.reject(req, err)
	}

	ctx, span := tracer.Start(ctx, "scan.priority_phase", trace.WithAttributes(
		attribute.String("scan.base_url", baseURL),
		attribute.Bool("scan.force_rendered", req.ForceRendered),
	))
	defer func() {
		if out.Error != nil {
			span.SetStatus(codes.Error, out.Error.Code)
		}
		span.End()
	}()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.GlobalTimeout)
	defer cancel()
	writeCtx := context.WithoutCancel(ctx)

	comp, err := s.store.UpsertCompetitor(writeCtx, name, baseURL)
	if err != nil {
		return s.storageFailure(Response{}, fmt.Errorf("upsert competitor: %w", err))
	}
	baseline, err := s.loadBaseline(writeCtx, comp.ID)
	if err != nil {
		return s.storageFailure(Response{CompetitorID: comp.ID}, err)
	}

	session := s.fetch.NewSession()
	handedOff := false
	defer func() {
		if !handedOff {
			if err := session.Close(); err != nil {
				s.logger.Warn("close fetch session", zap.Error(err))
			}
		}
	}()

	urls := s.discoverer.Discover(ctx, session, baseURL)
	pageSet := discover.BuildPageSet(baseURL, urls, s.clock.Now())
	snap, err := s.createSnapshot(writeCtx, comp.ID, pageSet, baseline)
	if err != nil {
		return s.storageFailure(Response{CompetitorID: comp.ID}, err)
	}

	mode := crawler.RenderRendered
	if !req.ForceRendered {
		mode = s.decider.Decide(ctx, session, pageSet.BaseURL)
	}
	span.SetAttributes(
		attribute.String("scan.snapshot_id", snap.ID),
		attribute.String("scan.render_mode", string(mode)),
		attribute.Int("scan.urls", len(pageSet.URLs)),
	)

	r := newRun(s, req, comp, snap, mode, session, baseline.pages)
	if err := r.begin(writeCtx); err != nil {
		r.fail(writeCtx, crawler.WrapError(crawler.CodeStorageError, err))
		return r.response()
	}

	priority, rest := discover.PrioritySubset(pageSet.URLs, pageSet.BaseURL)
	deferred := r.phaseA(ctx, writeCtx, priority)
	if r.failed() {
		return r.response()
	}
	if err := r.markPartial(writeCtx); err != nil {
		r.fail(writeCtx, crawler.WrapError(crawler.CodeStorageError, err))
		return r.response()
	}

	resp := r.response()
	if len(deferred) > 0 {
		resp.OK = false
		resp.Error = errorBody(crawler.NewError(crawler.CodeTimeout,
			fmt.Sprintf("priority phase exceeded %s; %d pages continue in background", s.cfg.PhaseATimeout, len(deferred))))
	}

	done := s.track(snap.ID)
	task := newCompletionTask(r, append(deferred, rest...), done)
	if err := s.runner.Enqueue(writeCtx, task); err != nil {
		s.untrack(snap.ID)
		code := crawler.CodeInternal
		if errors.Is(err, crawler.ErrQueueClosed) {
			code = crawler.CodeShutdown
		}
		r.fail(writeCtx, &crawler.Error{Code: code, Message: "background completion unavailable", Err: err})
		return r.response()
	}
	handedOff = true
	return resp
}

// Wait blocks until the background phase of snapshotID finishes. Unknown or
// already finished snapshots return immediately.
func (s *Service) Wait(ctx context.Context, snapshotID string) error {
	s.mu.Lock()
	ch, ok := s.pending[snapshotID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for snapshot %s: %w", snapshotID, ctx.Err())
	}
}

// Result rebuilds a Response for a stored snapshot, including its profile
// once the background phase has produced one.
func (s *Service) Result(ctx context.Context, snapshotID string) (Response, error) {
	snap, err := s.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return Response{}, fmt.Errorf("get snapshot: %w", err)
	}
	pages, err := s.store.ListPages(ctx, snapshotID)
	if err != nil {
		return Response{}, fmt.Errorf("list pages: %w", err)
	}
	if pages == nil {
		pages = []crawler.PageRecord{}
	}
	resp := Response{
		OK:             snap.Status != crawler.SnapshotFailed,
		CompetitorID:   snap.CompetitorID,
		SnapshotID:     snap.ID,
		Pages:          pages,
		SnapshotStatus: snap.Status,
		Progress:       Progress{Done: snap.ProgressDone, Total: snap.ProgressTotal},
	}
	if snap.ErrorCode != "" {
		resp.Error = &ErrorBody{Code: snap.ErrorCode, Message: snap.ErrorMessage}
	}
	profile, err := s.store.LatestProfile(ctx, snap.CompetitorID)
	switch {
	case err == nil && profile.SnapshotID == snap.ID:
		resp.Profile = profile.Text
	case err != nil && !errors.Is(err, crawler.ErrNotFound):
		return Response{}, fmt.Errorf("latest profile: %w", err)
	}
	return resp, nil
}

func (s *Service) reject(req Request, err error) Response {
	s.logger.Info("scan rejected",
		zap.String("url", req.URL),
		zap.String("code", crawler.CodeOf(err)),
		zap.Error(err),
	)
	metrics.ObserveScan("rejected")
	return errorResponse(err)
}

func (s *Service) storageFailure(partial Response, err error) Response {
	class := crawler.ClassifyStorageError(err)
	metrics.ObserveStorageError(class.String())
	code := crawler.CodeStorageError
	if class == crawler.StorageQuota {
		code = crawler.CodeStorageQuota
	}
	s.logger.Error("scan aborted by storage failure", zap.String("code", code), zap.Error(err))
	metrics.ObserveScan(string(crawler.SnapshotFailed))
	resp := errorResponse(crawler.WrapError(code, err))
	resp.CompetitorID = partial.CompetitorID
	return resp
}

type baseline struct {
	snapshotID  string
	pageSetHash string
	pages       map[string]crawler.PrevPage
}

func (s *Service) loadBaseline(ctx context.Context, competitorID string) (baseline, error) {
	prevID, err := s.store.LatestDoneSnapshotID(ctx, competitorID)
	if err != nil {
		return baseline{}, fmt.Errorf("latest done snapshot: %w", err)
	}
	if prevID == "" {
		return baseline{}, nil
	}
	prev, err := s.store.GetSnapshot(ctx, prevID)
	if err != nil {
		return baseline{}, fmt.Errorf("get baseline snapshot: %w", err)
	}
	pages, err := s.store.PagesMap(ctx, prevID)
	if err != nil {
		return baseline{}, fmt.Errorf("baseline pages: %w", err)
	}
	return baseline{snapshotID: prevID, pageSetHash: prev.PageSetHash, pages: pages}, nil
}

func (s *Service) createSnapshot(
	ctx context.Context,
	competitorID string,
	pageSet crawler.PageSet,
	base baseline,
) (crawler.Snapshot, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return crawler.Snapshot{}, fmt.Errorf("generate snapshot id: %w", err)
	}
	pageSetJSON, err := discover.MarshalPageSet(pageSet)
	if err != nil {
		return crawler.Snapshot{}, fmt.Errorf("marshal page set: %w", err)
	}
	snap := crawler.Snapshot{
		ID:                id,
		CompetitorID:      competitorID,
		Status:            crawler.SnapshotQueued,
		ProgressTotal:     len(pageSet.URLs),
		ExtractionVersion: extract.Version,
		PageSetVersion:    pageSet.Version,
		PageSetHash:       pageSet.Hash,
		PageSetChanged:    base.snapshotID == "" || base.pageSetHash != pageSet.Hash,
		PageSetJSON:       pageSetJSON,
	}
	if err := s.store.CreateSnapshot(ctx, snap); err != nil {
		return crawler.Snapshot{}, fmt.Errorf("create snapshot: %w", err)
	}
	return snap, nil
}

func (s *Service) track(snapshotID string) func() {
	ch := make(chan struct{})
	s.mu.Lock()
	s.pending[snapshotID] = ch
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.untrack(snapshotID)
			close(ch)
		})
	}
}

func (s *Service) untrack(snapshotID string) {
	s.mu.Lock()
	delete(s.pending, snapshotID)
	s.mu.Unlock()
}
