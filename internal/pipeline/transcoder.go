package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

var commandContext = exec.CommandContext

// SegmentUpdate is one completed-segment notification from the external
// transcoder: the payload has been fully written to Path.
type SegmentUpdate struct {
	Tier     Tier    `json:"tier"`
	Index    int64   `json:"index"`
	Path     string  `json:"path"`
	Duration float64 `json:"duration"`
}

// Transcoder supervises one external transcoding run for one source file.
// Implementations invoke the process with (source, tiers, output dir) and
// deliver each completed segment through onSegment as it appears. A nil
// return means clean exit; cancellation and non-zero exits return an error
// wrapping ErrProcessFailure (or ctx.Err on cancellation).
type Transcoder interface {
	Transcode(ctx context.Context, source string, tiers []TierSpec, outDir string, onSegment func(SegmentUpdate)) error
}

// DefaultTerminationGrace is how long a cancelled transcoder process gets to
// exit after the graceful termination request before it is killed.
const DefaultTerminationGrace = 5 * time.Second

// CommandTranscoder runs a transcoder binary per job. The binary's command
// syntax is its own business; the contract is the argument triple plus one
// JSON object per completed segment on stdout:
//
//	{"tier":"720p","index":0,"path":"/scratch/a/720p/0.ts","duration":2.0}
//
// Unparseable lines (encoder chatter) are ignored.
type CommandTranscoder struct {
	binary string
	grace  time.Duration
}

// Option configures a CommandTranscoder.
type Option func(*CommandTranscoder)

// WithBinary overrides the default transcoder binary name.
func WithBinary(binary string) Option {
	return func(t *CommandTranscoder) {
		if binary != "" {
			t.binary = binary
		}
	}
}

// WithTerminationGrace overrides the SIGTERM-to-SIGKILL grace period.
func WithTerminationGrace(d time.Duration) Option {
	return func(t *CommandTranscoder) {
		if d > 0 {
			t.grace = d
		}
	}
}

// NewCommandTranscoder constructs a transcoder client using defaults.
func NewCommandTranscoder(opts ...Option) *CommandTranscoder {
	t := &CommandTranscoder{binary: "hls-transcode", grace: DefaultTerminationGrace}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Transcode implements Transcoder.
func (t *CommandTranscoder) Transcode(ctx context.Context, source string, tiers []TierSpec, outDir string, onSegment func(SegmentUpdate)) error {
	if source == "" {
		return errors.New("source path required")
	}
	if outDir == "" {
		return errors.New("output directory required")
	}

	args := []string{"--input", source, "--output", outDir, "--tiers", formatTiers(tiers)}
	cmd := commandContext(ctx, t.binary, args...) // #nosec G204
	// Cancellation asks the process to stop and flush; only after the grace
	// period does Wait kill it outright.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = t.grace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w: %w", t.binary, err, ErrProcessFailure)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		update, ok := parseSegmentLine(scanner.Bytes())
		if !ok {
			continue
		}
		if onSegment != nil {
			onSegment(update)
		}
	}
	scanErr := scanner.Err()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s exited: %w: %w", t.binary, err, ErrProcessFailure)
	}
	if scanErr != nil {
		return fmt.Errorf("read %s output: %w: %w", t.binary, scanErr, ErrProcessFailure)
	}
	return nil
}

// parseSegmentLine decodes one stdout line into a SegmentUpdate. Lines that
// are not segment completions report ok false.
func parseSegmentLine(line []byte) (SegmentUpdate, bool) {
	var update SegmentUpdate
	if err := json.Unmarshal(line, &update); err != nil {
		return SegmentUpdate{}, false
	}
	if update.Tier == "" || update.Path == "" || update.Index < 0 {
		return SegmentUpdate{}, false
	}
	return update, true
}

func formatTiers(tiers []TierSpec) string {
	parts := make([]string, 0, len(tiers))
	for _, tier := range tiers {
		if tier.Bitrate == "" {
			parts = append(parts, string(tier.Name))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%s", tier.Name, tier.Bitrate))
	}
	return strings.Join(parts, ",")
}

var _ Transcoder = (*CommandTranscoder)(nil)
