package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// SchedulerConfig holds job admission and retry policy.
type SchedulerConfig struct {
	Tiers           []TierSpec
	MaxConcurrent   int
	QueueDepth      int
	MaxAttempts     int
	RetryBase       time.Duration
	RetryCap        time.Duration
	ProgressTimeout time.Duration
	ScratchDir      string
	Identity        IdentityFunc
}

// SchedulerMetrics is the slice of pipeline metrics the scheduler reports
// into. May be nil.
type SchedulerMetrics interface {
	JobMetrics
	JobStarted()
	JobSucceeded()
	JobFailed()
	RetryScheduled()
	AdmissionRejected()
	SetActiveJobs(n int)
	SetQueueDepth(n int)
}

// admission is one queued request to transcode a source.
type admission struct {
	id     StreamID
	source string
}

// Scheduler consumes watcher events and decides job admission. It is the
// single owner of job lifecycle: all state below is touched only from the
// Run goroutine, so interleavings of events, exits, and retries are
// serialized by construction. It guarantees at most one active TranscodeJob
// per identity and at most MaxConcurrent jobs overall; excess admissions
// queue FIFO up to QueueDepth and are rejected beyond it.
type Scheduler struct {
	cfg        SchedulerConfig
	events     <-chan Event
	transcoder Transcoder
	store      SegmentStore
	manifests  *ManifestBuilder
	registry   *StreamRegistry
	metrics    SchedulerMetrics
	log        *slog.Logger

	active   map[StreamID]*TranscodeJob
	queue    []admission
	queued   map[StreamID]bool
	restarts map[StreamID]admission
	exits    chan jobExit
	retries  chan StreamID
}

// NewScheduler wires a scheduler. events is usually Watcher.Events() but any
// event source satisfying the Watcher contract works.
func NewScheduler(cfg SchedulerConfig, events <-chan Event, transcoder Transcoder, store SegmentStore, manifests *ManifestBuilder, registry *StreamRegistry, metrics SchedulerMetrics, log *slog.Logger) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = time.Minute
	}
	if cfg.Identity == nil {
		cfg.Identity = BasenameIdentity
	}
	return &Scheduler{
		cfg:        cfg,
		events:     events,
		transcoder: transcoder,
		store:      store,
		manifests:  manifests,
		registry:   registry,
		metrics:    metrics,
		log:        log,
		active:     make(map[StreamID]*TranscodeJob),
		queued:     make(map[StreamID]bool),
		restarts:   make(map[StreamID]admission),
		exits:      make(chan jobExit, cfg.MaxConcurrent),
		retries:    make(chan StreamID, cfg.QueueDepth),
	}
}

// Run drives the coordination loop until ctx is cancelled, then drains
// active jobs before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	events := s.events
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				// Event source ended; keep supervising running jobs.
				events = nil
				continue
			}
			s.handleEvent(ctx, ev)

		case exit := <-s.exits:
			s.handleExit(ctx, exit)

		case id := <-s.retries:
			s.handleRetry(ctx, id)
		}
	}
}

func (s *Scheduler) handleEvent(ctx context.Context, ev Event) {
	if ev.Err != nil {
		s.registry.SetDegraded(true)
		s.log.Error("pipeline degraded", slog.String("error", ev.Err.Error()))
		return
	}

	id := s.cfg.Identity(ev.Path)
	switch ev.Op {
	case OpCreated, OpModified:
		s.handleArrival(ctx, id, ev)
	case OpRemoved:
		s.handleRemoved(id)
	}
}

func (s *Scheduler) handleArrival(ctx context.Context, id StreamID, ev Event) {
	st := s.registry.Discover(id, ev.Path)
	// A fresh watcher event resets the retry budget: a permanently Failed
	// stream becomes eligible again when its source changes.
	s.registry.ResetAttempts(id)

	if job, ok := s.active[id]; ok {
		// Newest write wins: cancel the running job and start over once it
		// has exited, so at most one job per identity is ever active.
		s.log.Info("superseding active job",
			slog.String("stream", string(id)),
			slog.String("job_id", job.ID),
			slog.String("event", ev.Op.String()))
		s.restarts[id] = admission{id: id, source: ev.Path}
		job.Cancel()
		return
	}

	if st.Phase == PhaseReady && ev.Op == OpModified {
		if err := s.registry.Transition(id, PhaseStale); err != nil {
			s.log.Warn("stale transition rejected", slog.String("stream", string(id)), slog.String("error", err.Error()))
		}
	}

	s.admit(ctx, admission{id: id, source: ev.Path})
}

func (s *Scheduler) handleRemoved(id StreamID) {
	if _, ok := s.registry.Get(id); !ok {
		return
	}

	delete(s.restarts, id)
	s.dequeue(id)

	if job, ok := s.active[id]; ok {
		job.Cancel()
	}

	if err := s.registry.Transition(id, PhaseRemoved); err != nil {
		s.log.Warn("remove transition rejected", slog.String("stream", string(id)), slog.String("error", err.Error()))
	}
	s.store.EvictAll(id)
	s.manifests.Drop(id)
	s.log.Info("stream removed", slog.String("stream", string(id)))
}

// admit starts the job if capacity allows, queues it FIFO otherwise, and
// rejects it once the queue is full. Rejection is recorded on the stream so
// operators see the backpressure; a later event retriggers admission.
func (s *Scheduler) admit(ctx context.Context, adm admission) {
	if len(s.active) < s.cfg.MaxConcurrent {
		s.startJob(ctx, adm)
		return
	}
	if s.queued[adm.id] {
		// Already waiting; a newer event may carry a newer source path.
		for i := range s.queue {
			if s.queue[i].id == adm.id {
				s.queue[i] = adm
				break
			}
		}
		return
	}
	if len(s.queue) >= s.cfg.QueueDepth {
		s.registry.RecordFailure(adm.id, ErrCapacityExceeded)
		if s.metrics != nil {
			s.metrics.AdmissionRejected()
		}
		s.log.Warn("admission rejected",
			slog.String("stream", string(adm.id)),
			slog.Int("queue_depth", len(s.queue)),
			slog.String("error", ErrCapacityExceeded.Error()))
		return
	}
	s.queue = append(s.queue, adm)
	s.queued[adm.id] = true
	if s.metrics != nil {
		s.metrics.SetQueueDepth(len(s.queue))
	}
}

func (s *Scheduler) startJob(ctx context.Context, adm admission) {
	// Output of any earlier run for this identity is superseded wholesale:
	// the fresh job re-emits indices from zero.
	s.store.EvictAll(adm.id)
	s.manifests.Drop(adm.id)

	if err := s.registry.Transition(adm.id, PhaseTranscoding); err != nil {
		s.log.Warn("transcoding transition rejected", slog.String("stream", string(adm.id)), slog.String("error", err.Error()))
		return
	}

	job := newTranscodeJob(adm.id, adm.source, jobConfig{
		tiers:           s.cfg.Tiers,
		scratchDir:      s.cfg.ScratchDir,
		progressTimeout: s.cfg.ProgressTimeout,
	}, s.transcoder, s.store, s.manifests, s.metrics, s.log)

	s.active[adm.id] = job
	s.registry.SetJob(adm.id, job.ID)
	if s.metrics != nil {
		s.metrics.JobStarted()
		s.metrics.SetActiveJobs(len(s.active))
	}
	s.log.Info("transcode job started",
		slog.String("stream", string(adm.id)),
		slog.String("job_id", job.ID),
		slog.String("source", adm.source))

	job.start(ctx, s.exits)
}

func (s *Scheduler) handleExit(ctx context.Context, exit jobExit) {
	id := exit.job.Stream
	if s.active[id] == exit.job {
		delete(s.active, id)
		s.registry.SetJob(id, "")
	}
	if s.metrics != nil {
		s.metrics.SetActiveJobs(len(s.active))
	}

	if adm, ok := s.restarts[id]; ok {
		delete(s.restarts, id)
		s.admit(ctx, adm)
		s.admitQueued(ctx)
		return
	}

	if st, ok := s.registry.Get(id); ok && st.Phase == PhaseRemoved {
		// Removal raced the job's last commits: anything the cancelled
		// process flushed after handleRemoved evicted must not survive.
		s.store.EvictAll(id)
		s.manifests.Drop(id)
		s.admitQueued(ctx)
		return
	}

	switch {
	case exit.err == nil:
		if err := s.registry.Transition(id, PhaseReady); err != nil {
			s.log.Warn("ready transition rejected", slog.String("stream", string(id)), slog.String("error", err.Error()))
		} else {
			s.log.Info("stream ready", slog.String("stream", string(id)), slog.String("job_id", exit.job.ID))
		}
		if s.metrics != nil {
			s.metrics.JobSucceeded()
		}

	case errors.Is(exit.err, context.Canceled):
		// Superseded, removed, or shutting down; state was already settled
		// by whoever cancelled.

	default:
		s.handleFailure(id, exit)
	}

	s.admitQueued(ctx)
}

func (s *Scheduler) handleFailure(id StreamID, exit jobExit) {
	if err := s.registry.Transition(id, PhaseFailed); err != nil {
		s.log.Warn("failed transition rejected", slog.String("stream", string(id)), slog.String("error", err.Error()))
		return
	}
	s.registry.RecordFailure(id, exit.err)
	if s.metrics != nil {
		s.metrics.JobFailed()
	}

	if structural(exit.err) {
		// Contract violation, not a flaky process. Retrying would repeat it;
		// leave the stream Failed and surface the cause.
		s.log.Error("structural job failure",
			slog.String("stream", string(id)),
			slog.String("job_id", exit.job.ID),
			slog.String("error", exit.err.Error()))
		return
	}

	st, _ := s.registry.Get(id)
	if st.Attempts > s.cfg.MaxAttempts {
		s.log.Error("retry budget exhausted",
			slog.String("stream", string(id)),
			slog.Int("attempts", st.Attempts),
			slog.String("error", exit.err.Error()))
		return
	}

	delay := retryDelay(s.cfg.RetryBase, s.cfg.RetryCap, st.Attempts)
	s.log.Warn("transcode job failed, retrying",
		slog.String("stream", string(id)),
		slog.Int("attempt", st.Attempts),
		slog.Duration("backoff", delay),
		slog.String("error", exit.err.Error()))
	if s.metrics != nil {
		s.metrics.RetryScheduled()
	}
	time.AfterFunc(delay, func() {
		select {
		case s.retries <- id:
		default:
			// Retry channel saturated; the stream stays Failed until the
			// next watcher event for it.
		}
	})
}

func (s *Scheduler) handleRetry(ctx context.Context, id StreamID) {
	if _, ok := s.active[id]; ok {
		return
	}
	if s.queued[id] {
		return
	}
	st, ok := s.registry.Get(id)
	if !ok || st.Phase != PhaseFailed {
		return
	}
	s.admit(ctx, admission{id: id, source: st.Source})
}

// admitQueued moves waiting admissions into freed capacity, oldest first.
func (s *Scheduler) admitQueued(ctx context.Context) {
	for len(s.queue) > 0 && len(s.active) < s.cfg.MaxConcurrent {
		adm := s.queue[0]
		s.queue = s.queue[1:]
		delete(s.queued, adm.id)
		s.startJob(ctx, adm)
	}
	if s.metrics != nil {
		s.metrics.SetQueueDepth(len(s.queue))
	}
}

func (s *Scheduler) dequeue(id StreamID) {
	if !s.queued[id] {
		return
	}
	delete(s.queued, id)
	kept := s.queue[:0]
	for _, adm := range s.queue {
		if adm.id != id {
			kept = append(kept, adm)
		}
	}
	s.queue = kept
	if s.metrics != nil {
		s.metrics.SetQueueDepth(len(s.queue))
	}
}

// drain waits for every active job to deliver its exit. Jobs share the
// scheduler's context, so cancellation has already been requested.
func (s *Scheduler) drain() {
	for len(s.active) > 0 {
		exit := <-s.exits
		if s.active[exit.job.Stream] == exit.job {
			delete(s.active, exit.job.Stream)
		}
	}
}

// retryDelay is exponential backoff doubling from base, saturating at cap.
// attempt counts from 1.
func retryDelay(base, cap time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

// structural reports whether err is an invariant/contract violation that
// must not be retried.
func structural(err error) bool {
	return errors.Is(err, ErrDuplicateSegment) ||
		errors.Is(err, ErrSegmentGap) ||
		errors.Is(err, ErrManifestFinal)
}
