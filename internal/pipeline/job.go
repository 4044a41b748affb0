package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// TranscodeJob supervises one external transcoding run for one source file,
// committing completed segments into the store and publishing a manifest
// version for each. Transient: it is destroyed when the process exits or
// when superseded by a newer job for the same identity.
//
// Segments are committed only on completed-segment notifications from the
// transcoder, so a cancellation mid-segment discards the partial output on
// disk without it ever reaching the store.
type TranscodeJob struct {
	ID     string
	Stream StreamID
	Source string

	tiers      []TierSpec
	outDir     string
	transcoder Transcoder
	store      SegmentStore
	manifests  *ManifestBuilder
	metrics    JobMetrics
	log        *slog.Logger

	progressTimeout time.Duration
	lastProgress    atomic.Int64 // unix nanos of last committed segment
	timedOut        atomic.Bool

	commitErr error // structural commit failure; set before self-cancel
	seenTiers map[Tier]bool

	cancel context.CancelFunc
	done   chan struct{}
}

// JobMetrics is the slice of pipeline metrics a job reports into. May be nil.
type JobMetrics interface {
	SegmentStored(evicted int)
	ManifestPublished()
}

type jobConfig struct {
	tiers           []TierSpec
	scratchDir      string
	progressTimeout time.Duration
}

func newTranscodeJob(id StreamID, source string, cfg jobConfig, transcoder Transcoder, store SegmentStore, manifests *ManifestBuilder, metrics JobMetrics, log *slog.Logger) *TranscodeJob {
	jobID := uuid.NewString()
	return &TranscodeJob{
		ID:              jobID,
		Stream:          id,
		Source:          source,
		tiers:           cfg.tiers,
		outDir:          filepath.Join(cfg.scratchDir, fmt.Sprintf("%s-%s", id, jobID)),
		transcoder:      transcoder,
		store:           store,
		manifests:       manifests,
		metrics:         metrics,
		log:             log.With(slog.String("job_id", jobID), slog.String("stream", string(id))),
		progressTimeout: cfg.progressTimeout,
		seenTiers:       make(map[Tier]bool),
		done:            make(chan struct{}),
	}
}

// jobExit is the completion notification a job sends its scheduler.
// err is nil on clean exit, context.Canceled when superseded or shut down,
// and otherwise wraps the failure cause.
type jobExit struct {
	job *TranscodeJob
	err error
}

// start launches the supervisor goroutine. The exit notification is always
// delivered on exits, exactly once.
func (j *TranscodeJob) start(ctx context.Context, exits chan<- jobExit) {
	ctx, j.cancel = context.WithCancel(ctx)
	j.lastProgress.Store(time.Now().UnixNano())
	go j.run(ctx, exits)
}

// Cancel requests cooperative termination. The external process gets a
// graceful stop request and a bounded grace period; committed segments stay
// intact.
func (j *TranscodeJob) Cancel() {
	if j.cancel != nil {
		j.cancel()
	}
}

// Done is closed once the job has fully exited.
func (j *TranscodeJob) Done() <-chan struct{} {
	return j.done
}

func (j *TranscodeJob) run(ctx context.Context, exits chan<- jobExit) {
	defer close(j.done)
	defer func() {
		if j.outDir != "" {
			_ = os.RemoveAll(j.outDir)
		}
	}()

	if err := os.MkdirAll(j.outDir, 0o750); err != nil {
		exits <- jobExit{job: j, err: fmt.Errorf("create scratch dir: %w", err)}
		return
	}

	if j.progressTimeout > 0 {
		go j.watchdog(ctx)
	}

	err := j.transcoder.Transcode(ctx, j.Source, j.tiers, j.outDir, func(u SegmentUpdate) {
		// The cancelled process may flush one more segment during its
		// termination grace window. By then the scheduler may already have
		// evicted the stream's state; committing would resurrect it.
		if ctx.Err() != nil {
			return
		}
		j.handleSegment(u)
	})
	err = j.classify(ctx, err)

	if err == nil {
		j.publishFinal()
	}

	exits <- jobExit{job: j, err: err}
}

// classify folds the transcoder result together with internal commit state
// into the scheduler-facing error.
func (j *TranscodeJob) classify(ctx context.Context, err error) error {
	if j.commitErr != nil {
		return j.commitErr
	}
	if j.timedOut.Load() {
		return fmt.Errorf("no progress for %s: %w", j.progressTimeout, ErrProcessFailure)
	}
	if err != nil && ctx.Err() != nil {
		return context.Canceled
	}
	return err
}

// handleSegment commits one completed segment and publishes the resulting
// manifest version. Runs on the supervisor goroutine (the transcoder's
// stdout scan loop), so job-local state needs no locking.
func (j *TranscodeJob) handleSegment(u SegmentUpdate) {
	if j.commitErr != nil {
		return
	}

	payload, err := os.ReadFile(u.Path) // #nosec G304
	if err != nil {
		j.fail(fmt.Errorf("read segment %s/%d: %w: %w", u.Tier, u.Index, err, ErrProcessFailure))
		return
	}
	_ = os.Remove(u.Path)

	seg := Segment{
		Index:    u.Index,
		Duration: u.Duration,
		Payload:  payload,
		Hash:     xxhash.Sum64(payload),
	}
	res, err := j.store.Put(j.Stream, u.Tier, seg)
	if err != nil {
		// Duplicate or gap means the transcoder broke the output contract.
		// Structural, never retried: log, cancel the job, surface to operators.
		j.fail(err)
		return
	}
	if j.metrics != nil {
		j.metrics.SegmentStored(len(res.Evicted))
	}

	if _, err := j.manifests.Publish(j.Stream, u.Tier, res.Refs, false); err != nil {
		j.fail(err)
		return
	}
	if j.metrics != nil {
		j.metrics.ManifestPublished()
	}

	j.seenTiers[u.Tier] = true
	j.lastProgress.Store(time.Now().UnixNano())

	j.log.Debug("segment committed",
		slog.String("tier", string(u.Tier)),
		slog.Int64("index", u.Index),
		slog.Int("evicted", len(res.Evicted)),
	)
}

func (j *TranscodeJob) fail(err error) {
	j.commitErr = err
	j.log.Error("segment commit failed", slog.String("error", err.Error()))
	j.cancel()
}

// publishFinal marks each produced tier's manifest complete. Reproduces the
// append-only live playlist going to end-of-stream.
func (j *TranscodeJob) publishFinal() {
	for tier := range j.seenTiers {
		refs := j.store.Refs(j.Stream, tier)
		if _, err := j.manifests.Publish(j.Stream, tier, refs, true); err != nil {
			j.log.Warn("final manifest publish failed",
				slog.String("tier", string(tier)),
				slog.String("error", err.Error()))
			continue
		}
		if j.metrics != nil {
			j.metrics.ManifestPublished()
		}
	}
}

// watchdog cancels the job when no segment has been committed within the
// progress timeout. The scheduler treats the resulting exit as a process
// failure and applies the retry policy.
func (j *TranscodeJob) watchdog(ctx context.Context) {
	interval := j.progressTimeout / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, j.lastProgress.Load())
			if time.Since(last) >= j.progressTimeout {
				j.timedOut.Store(true)
				j.cancel()
				return
			}
		}
	}
}
