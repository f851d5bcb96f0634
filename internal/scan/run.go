package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smrk-ai/simplecomptool/internal/crawler"
	"github.com/smrk-ai/simplecomptool/internal/extract"
	"github.com/smrk-ai/simplecomptool/internal/fetchmgr"
	"github.com/smrk-ai/simplecomptool/internal/metrics"
	"github.com/smrk-ai/simplecomptool/internal/progress"
	"github.com/smrk-ai/simplecomptool/internal/summarizer"
	"github.com/smrk-ai/simplecomptool/internal/urlcanon"
)

// run is the state of one scan across both phases. Fetch results are
// handled on a single goroutine per phase; mu guards readers of the
// counters and the terminal transition.
type run struct {
	svc        *Service
	logger     *zap.Logger
	req        Request
	competitor crawler.Competitor
	snapshot   crawler.Snapshot
	mode       crawler.RenderMode
	session    *fetchmgr.Session
	prev       map[string]crawler.PrevPage
	started    time.Time

	mu      sync.Mutex
	status  crawler.SnapshotStatus
	done    int
	total   int
	seen    map[string]struct{}
	pages   []crawler.PageRecord
	socials map[string]crawler.Social
	failure *crawler.Error
}

func newRun(
	svc *Service,
	req Request,
	comp crawler.Competitor,
	snap crawler.Snapshot,
	mode crawler.RenderMode,
	session *fetchmgr.Session,
	prev map[string]crawler.PrevPage,
) *run {
	return &run{
		svc:        svc,
		logger:     svc.logger.With(zap.String("snapshot_id", snap.ID), zap.String("competitor_id", comp.ID)),
		req:        req,
		competitor: comp,
		snapshot:   snap,
		mode:       mode,
		session:    session,
		prev:       prev,
		started:    svc.clock.Now(),
		status:     snap.Status,
		total:      snap.ProgressTotal,
		seen:       make(map[string]struct{}),
		socials:    make(map[string]crawler.Social),
	}
}

func (r *run) begin(ctx context.Context) error {
	if err := r.setStatus(ctx, crawler.SnapshotRunning); err != nil {
		return err
	}
	r.logger.Info("scan started",
		zap.String("base_url", r.competitor.BaseURL),
		zap.String("render_mode", string(r.mode)),
		zap.Int("pages", r.total),
		zap.Bool("page_set_changed", r.snapshot.PageSetChanged),
	)
	r.emit(progress.Event{Stage: progress.StageScanStart})
	return nil
}

// phaseA fetches the priority URLs under the Phase A deadline. URLs whose
// fetch was cut off by the deadline are returned for the background phase.
func (r *run) phaseA(ctx, writeCtx context.Context, urls []string) []string {
	start := time.Now()
	phaseCtx, cancel := context.WithTimeout(ctx, r.svc.cfg.PhaseATimeout)
	defer cancel()

	var deferred []string
	r.session.FetchEach(phaseCtx, urls, r.mode, func(result crawler.FetchResult) {
		if result.Failed() && phaseCtx.Err() != nil {
			deferred = append(deferred, result.URL)
			return
		}
		r.handle(writeCtx, "A", result)
	})
	metrics.ObservePhase("A", time.Since(start))
	r.emit(progress.Event{Stage: progress.StagePhaseDone, Phase: "A", Dur: time.Since(start)})
	if len(deferred) > 0 {
		r.logger.Warn("priority phase deadline reached", zap.Strings("deferred", deferred))
	}
	return deferred
}

// phaseB fetches the remaining URLs, aggregates socials and the profile,
// verifies the page count and finishes the snapshot.
func (r *run) phaseB(ctx context.Context, urls []string) error {
	start := time.Now()
	writeCtx := context.WithoutCancel(ctx)
	if err := ctx.Err(); err != nil {
		return r.fail(writeCtx, shutdownError(err))
	}

	r.session.FetchEach(ctx, urls, r.mode, func(result crawler.FetchResult) {
		if ctx.Err() != nil {
			return
		}
		r.handle(ctx, "B", result)
	})
	metrics.ObservePhase("B", time.Since(start))
	if err := ctx.Err(); err != nil {
		return r.fail(writeCtx, shutdownError(err))
	}
	if err := r.failureErr(); err != nil {
		return err
	}
	r.emit(progress.Event{Stage: progress.StagePhaseDone, Phase: "B", Dur: time.Since(start)})

	r.storeSocials(ctx)
	if r.req.LLM {
		r.storeProfile(ctx)
	}
	return r.complete(writeCtx)
}

// handle persists one fetch result or drops it. Critical failures end the
// scan; later results are ignored.
func (r *run) handle(ctx context.Context, phase string, result crawler.FetchResult) {
	if r.failed() {
		return
	}
	if result.Failed() {
		r.drop(ctx, phase, result.URL, "fetch_error", result.Err)
		return
	}
	if result.HTML == "" && (result.Status < 200 || result.Status > 299) {
		r.drop(ctx, phase, result.URL, "empty_error_page", fmt.Errorf("status %d with empty body", result.Status))
		return
	}
	finalURL := result.FinalURL
	if finalURL == "" {
		finalURL = result.URL
	}
	canonical := urlcanon.CanonicalOrRaw(finalURL)
	if r.isSeen(canonical) {
		r.drop(ctx, phase, result.URL, "duplicate", fmt.Errorf("already captured as %s", canonical))
		return
	}

	record, err := r.svc.persister.PersistPage(ctx, r.snapshot.ID, result, r.prev)
	if err != nil {
		r.handlePersistError(ctx, phase, result.URL, err)
		return
	}

	r.mu.Lock()
	r.seen[canonical] = struct{}{}
	r.pages = append(r.pages, record)
	r.done++
	r.mu.Unlock()
	r.collectSocials(result.HTML, finalURL)
	r.saveProgress(ctx)
	r.emit(progress.Event{
		Stage:       progress.StagePageDone,
		Phase:       phase,
		Site:        metrics.SanitizeSite(finalURL),
		URL:         canonical,
		Via:         string(record.Via),
		Bytes:       int64(len(result.HTML)),
		Changed:     record.Changed,
		StatusClass: progress.ClassifyStatus(result.Status),
		Dur:         result.Duration,
	})
}

func (r *run) handlePersistError(ctx context.Context, phase, url string, err error) {
	if errors.Is(err, crawler.ErrGuardViolation) {
		_ = r.fail(ctx, err)
		return
	}
	class := crawler.ClassifyStorageError(err)
	metrics.ObserveStorageError(class.String())
	if class == crawler.StorageQuota {
		_ = r.fail(ctx, crawler.WrapError(crawler.CodeStorageQuota, err))
		return
	}
	r.drop(ctx, phase, url, "storage_"+class.String(), err)
}

// drop removes a URL from the expected total.
func (r *run) drop(ctx context.Context, phase, url, reason string, cause error) {
	r.mu.Lock()
	if r.total > r.done {
		r.total--
	}
	r.mu.Unlock()
	r.logger.Warn("page dropped",
		zap.String("phase", phase),
		zap.String("url", url),
		zap.String("reason", reason),
		zap.Error(cause),
	)
	r.saveProgress(ctx)
	r.emit(progress.Event{Stage: progress.StagePageDropped, Phase: phase, URL: url, Note: reason})
}

func (r *run) isSeen(canonical string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.seen[canonical]
	return ok
}

func (r *run) collectSocials(html, pageURL string) {
	links := extract.SocialLinks(html, pageURL)
	if len(links) == 0 {
		return
	}
	now := r.svc.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, link := range links {
		key := link.Platform + "/" + link.Handle
		if _, ok := r.socials[key]; ok {
			continue
		}
		r.socials[key] = crawler.Social{
			CompetitorID: r.competitor.ID,
			Platform:     link.Platform,
			Handle:       link.Handle,
			URL:          link.URL,
			SourceURL:    pageURL,
			DiscoveredAt: now,
		}
	}
}

func (r *run) storeSocials(ctx context.Context) {
	r.mu.Lock()
	socials := make([]crawler.Social, 0, len(r.socials))
	for _, social := range r.socials {
		socials = append(socials, social)
	}
	r.mu.Unlock()
	if len(socials) == 0 {
		return
	}
	if err := r.svc.store.UpsertSocials(ctx, r.competitor.ID, socials); err != nil {
		r.logger.Warn("store socials", zap.Error(err))
		return
	}
	r.logger.Debug("socials stored", zap.Int("count", len(socials)))
}

// storeProfile summarizes the captured pages. Failures are logged only.
func (r *run) storeProfile(ctx context.Context) {
	if r.svc.summarizer == nil {
		r.logger.Debug("profile skipped, no summarizer configured")
		return
	}
	pages := r.capturedPages()
	inputs := make([]crawler.SummaryInput, 0, len(pages))
	for _, page := range pages {
		text, err := r.svc.store.DownloadPageText(ctx, page.ID)
		if err != nil {
			r.logger.Debug("profile input unavailable", zap.String("page_id", page.ID), zap.Error(err))
			continue
		}
		inputs = append(inputs, crawler.SummaryInput{
			URL:             page.CanonicalURL,
			Title:           page.Title,
			MetaDescription: page.MetaDescription,
			Text:            string(text),
			Changed:         page.Changed,
		})
	}
	selected := summarizer.Select(inputs)
	if len(selected) == 0 {
		return
	}
	name := r.competitor.Name
	if name == "" {
		name = r.competitor.BaseURL
	}
	text, err := r.svc.summarizer.Summarize(ctx, name, selected)
	if err != nil {
		r.logger.Warn("profile generation failed", zap.Error(err))
		return
	}
	profile := crawler.Profile{
		CompetitorID: r.competitor.ID,
		SnapshotID:   r.snapshot.ID,
		Text:         text,
		CreatedAt:    r.svc.clock.Now(),
	}
	if err := r.svc.store.SaveProfile(ctx, profile); err != nil {
		r.logger.Warn("store profile", zap.Error(err))
	}
}

// complete checks the persisted page count and moves the snapshot to done.
func (r *run) complete(ctx context.Context) error {
	stored, err := r.svc.store.ListPages(ctx, r.snapshot.ID)
	if err != nil {
		return r.fail(ctx, crawler.WrapError(crawler.CodeStorageError, err))
	}
	r.mu.Lock()
	total, done := r.total, r.done
	r.mu.Unlock()
	if len(stored) != total {
		return r.fail(ctx, crawler.NewError(crawler.CodeValidationMismatch,
			fmt.Sprintf("stored %d pages, expected %d", len(stored), total)))
	}

	count := len(stored)
	update := crawler.SnapshotUpdate{
		Status:        crawler.SnapshotDone,
		ProgressDone:  &done,
		ProgressTotal: &total,
		PageCount:     &count,
	}
	if err := r.svc.store.UpdateSnapshotStatus(ctx, r.snapshot.ID, update); err != nil {
		return r.fail(ctx, crawler.WrapError(crawler.CodeStorageError, err))
	}
	r.mu.Lock()
	r.status = crawler.SnapshotDone
	r.mu.Unlock()

	elapsed := r.svc.clock.Now().Sub(r.started)
	r.logger.Info("scan finished",
		zap.Int("pages", count),
		zap.Int("changed", r.changedCount()),
		zap.Duration("elapsed", elapsed),
		zap.Any("fetch", r.session.Stats()),
	)
	metrics.ObserveScan(string(crawler.SnapshotDone))
	r.emit(progress.Event{Stage: progress.StageScanDone, Dur: elapsed})
	r.publish(ctx, "")
	return nil
}

// fail moves the snapshot to failed once and returns the coded error.
func (r *run) fail(ctx context.Context, err error) error {
	var coded *crawler.Error
	if !errors.As(err, &coded) {
		coded = crawler.WrapError(crawler.CodeOf(err), err)
	}
	r.mu.Lock()
	if r.status.Terminal() {
		r.mu.Unlock()
		return coded
	}
	r.status = crawler.SnapshotFailed
	r.failure = coded
	r.mu.Unlock()

	update := crawler.SnapshotUpdate{
		Status:       crawler.SnapshotFailed,
		ErrorCode:    coded.Code,
		ErrorMessage: coded.Message,
	}
	if err := r.svc.store.UpdateSnapshotStatus(ctx, r.snapshot.ID, update); err != nil {
		r.logger.Error("mark snapshot failed", zap.Error(err))
	}
	r.logger.Error("scan failed", zap.String("code", coded.Code), zap.Error(err))
	metrics.ObserveScan(string(crawler.SnapshotFailed))
	r.emit(progress.Event{
		Stage: progress.StageScanFailed,
		Dur:   r.svc.clock.Now().Sub(r.started),
		Note:  coded.Code,
	})
	r.publish(ctx, coded.Code)
	return coded
}

func (r *run) failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failure != nil
}

func (r *run) failureErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failure == nil {
		return nil
	}
	return r.failure
}

func (r *run) markPartial(ctx context.Context) error {
	return r.setStatus(ctx, crawler.SnapshotPartial)
}

func (r *run) setStatus(ctx context.Context, status crawler.SnapshotStatus) error {
	r.mu.Lock()
	done, total := r.done, r.total
	r.mu.Unlock()
	update := crawler.SnapshotUpdate{Status: status, ProgressDone: &done, ProgressTotal: &total}
	if err := r.svc.store.UpdateSnapshotStatus(ctx, r.snapshot.ID, update); err != nil {
		return fmt.Errorf("snapshot %s -> %s: %w", r.snapshot.ID, status, err)
	}
	r.mu.Lock()
	r.status = status
	r.mu.Unlock()
	return nil
}

// saveProgress records the counters without changing the status.
func (r *run) saveProgress(ctx context.Context) {
	r.mu.Lock()
	status, done, total := r.status, r.done, r.total
	r.mu.Unlock()
	if status.Terminal() {
		return
	}
	update := crawler.SnapshotUpdate{Status: status, ProgressDone: &done, ProgressTotal: &total}
	if err := r.svc.store.UpdateSnapshotStatus(ctx, r.snapshot.ID, update); err != nil {
		r.logger.Warn("save progress", zap.Int("done", done), zap.Int("total", total), zap.Error(err))
	}
}

func (r *run) emit(evt progress.Event) {
	r.mu.Lock()
	evt.Done, evt.Total = r.done, r.total
	r.mu.Unlock()
	evt.SnapshotID = r.snapshot.ID
	evt.TS = r.svc.clock.Now()
	r.svc.emitter.Emit(evt)
}

func (r *run) publish(ctx context.Context, errorCode string) {
	if r.svc.publisher == nil {
		return
	}
	r.mu.Lock()
	status, count := r.status, len(r.pages)
	r.mu.Unlock()
	event := CompletedEvent{
		SnapshotID:     r.snapshot.ID,
		CompetitorID:   r.competitor.ID,
		BaseURL:        r.competitor.BaseURL,
		Status:         status,
		RenderMode:     r.mode,
		PageCount:      count,
		ChangedPages:   r.changedCount(),
		PageSetChanged: r.snapshot.PageSetChanged,
		ErrorCode:      errorCode,
		FinishedAt:     r.svc.clock.Now(),
	}
	if _, err := r.svc.publisher.Publish(ctx, r.svc.cfg.CompletionTopic, event); err != nil {
		r.logger.Warn("publish completion event", zap.Error(err))
	}
}

func (r *run) capturedPages() []crawler.PageRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]crawler.PageRecord(nil), r.pages...)
}

func (r *run) changedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, page := range r.pages {
		if page.Changed {
			n++
		}
	}
	return n
}

// response reports the current state of the scan.
func (r *run) response() Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	pages := append([]crawler.PageRecord{}, r.pages...)
	resp := Response{
		OK:             r.failure == nil,
		CompetitorID:   r.competitor.ID,
		SnapshotID:     r.snapshot.ID,
		Pages:          pages,
		RenderMode:     r.mode,
		SnapshotStatus: r.status,
		Progress:       Progress{Done: r.done, Total: r.total},
	}
	if r.failure != nil {
		resp.Error = errorBody(r.failure)
	}
	return resp
}

func shutdownError(cause error) error {
	return &crawler.Error{Code: crawler.CodeShutdown, Message: "scan interrupted by shutdown", Err: cause}
}
