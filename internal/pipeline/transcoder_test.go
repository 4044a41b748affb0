package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"
)

func TestNewCommandTranscoderOptions(t *testing.T) {
	tr := NewCommandTranscoder(WithBinary("/opt/encoder"), WithTerminationGrace(time.Second))
	if tr.binary != "/opt/encoder" {
		t.Errorf("binary override not applied: %q", tr.binary)
	}
	if tr.grace != time.Second {
		t.Errorf("grace override not applied: %s", tr.grace)
	}
}

func TestCommandTranscoder_requires_source(t *testing.T) {
	tr := NewCommandTranscoder()
	if err := tr.Transcode(context.Background(), "", nil, "/tmp", nil); err == nil {
		t.Fatal("expected error when source is empty")
	}
}

func TestCommandTranscoder_requires_out_dir(t *testing.T) {
	tr := NewCommandTranscoder()
	if err := tr.Transcode(context.Background(), "/media/a.mp4", nil, "", nil); err == nil {
		t.Fatal("expected error when output directory is empty")
	}
}

func stubCommand(t *testing.T, mode string, capture *[]string) {
	t.Helper()
	original := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		if capture != nil {
			*capture = append([]string(nil), args...)
		}
		cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=TestHelperProcess")
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "HLS_HELPER_MODE="+mode)
		return cmd
	}
	t.Cleanup(func() {
		commandContext = original
	})
}

func TestCommandTranscoder_streams_segment_completions(t *testing.T) {
	var args []string
	stubCommand(t, "success", &args)

	var updates []SegmentUpdate
	tr := NewCommandTranscoder()
	err := tr.Transcode(context.Background(), "/media/a.mp4", ParseTiers("720p=2500k,480p"), t.TempDir(), func(u SegmentUpdate) {
		updates = append(updates, u)
	})
	if err != nil {
		t.Fatalf("Transcode: %v", err)
	}

	if len(updates) != 2 {
		t.Fatalf("expected 2 segment completions, got %d", len(updates))
	}
	if updates[0].Tier != "720p" || updates[0].Index != 0 || updates[0].Duration != 2.0 {
		t.Errorf("first update: %+v", updates[0])
	}
	if updates[1].Index != 1 {
		t.Errorf("second update: %+v", updates[1])
	}

	if i := findArg(args, "--tiers"); i < 0 || args[i+1] != "720p=2500k,480p" {
		t.Errorf("tier argument missing or wrong: %v", args)
	}
	if i := findArg(args, "--input"); i < 0 || args[i+1] != "/media/a.mp4" {
		t.Errorf("input argument missing or wrong: %v", args)
	}
}

func TestCommandTranscoder_nonzero_exit(t *testing.T) {
	stubCommand(t, "failure", nil)

	tr := NewCommandTranscoder()
	err := tr.Transcode(context.Background(), "/media/a.mp4", nil, t.TempDir(), nil)
	if !errors.Is(err, ErrProcessFailure) {
		t.Fatalf("expected ErrProcessFailure, got %v", err)
	}
}

func TestCommandTranscoder_ignores_chatter(t *testing.T) {
	stubCommand(t, "chatter", nil)

	var updates []SegmentUpdate
	tr := NewCommandTranscoder()
	err := tr.Transcode(context.Background(), "/media/a.mp4", nil, t.TempDir(), func(u SegmentUpdate) {
		updates = append(updates, u)
	})
	if err != nil {
		t.Fatalf("Transcode: %v", err)
	}
	if len(updates) != 1 {
		t.Errorf("chatter lines must be skipped, got %d updates", len(updates))
	}
}

func TestParseSegmentLine(t *testing.T) {
	cases := []struct {
		name string
		line string
		ok   bool
	}{
		{"valid", `{"tier":"720p","index":0,"path":"/tmp/0.ts","duration":2.0}`, true},
		{"not_json", "frame= 120 fps= 30", false},
		{"missing_tier", `{"index":0,"path":"/tmp/0.ts","duration":2.0}`, false},
		{"missing_path", `{"tier":"720p","index":0,"duration":2.0}`, false},
		{"negative_index", `{"tier":"720p","index":-1,"path":"/tmp/0.ts"}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, ok := parseSegmentLine([]byte(tc.line))
			if ok != tc.ok {
				t.Errorf("parseSegmentLine(%q) ok=%v, want %v", tc.line, ok, tc.ok)
			}
		})
	}
}

func TestFormatTiers(t *testing.T) {
	got := formatTiers(ParseTiers("720p=2500k, 480p"))
	if got != "720p=2500k,480p" {
		t.Errorf("formatTiers: %q", got)
	}
}

func findArg(args []string, target string) int {
	for i, arg := range args {
		if arg == target {
			return i
		}
	}
	return -1
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	switch os.Getenv("HLS_HELPER_MODE") {
	case "success":
		fmt.Println(`{"tier":"720p","index":0,"path":"/tmp/720p_0.ts","duration":2.0}`)
		fmt.Println(`{"tier":"720p","index":1,"path":"/tmp/720p_1.ts","duration":2.0}`)
		os.Exit(0)
	case "failure":
		fmt.Fprintln(os.Stderr, "encode failed")
		os.Exit(1)
	case "chatter":
		fmt.Println("frame= 120 fps= 30 q=28.0 size= 512kB")
		fmt.Println(`{"tier":"720p","index":0,"path":"/tmp/720p_0.ts","duration":2.0}`)
		os.Exit(0)
	default:
		os.Exit(0)
	}
}
