package stt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voicecommand/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeHelper(t *testing.T, stream string) string {
	t.Helper()
	return writeScript(t, "echo authorized", "exit 0", stream)
}

func writeScript(t *testing.T, authorize, available, stream string) string {
	t.Helper()
	script := `#!/bin/sh
case "$1" in
authorize) ` + authorize + ` ;;
record-permission) echo granted ;;
available) ` + available + ` ;;
stream)
` + stream + `
  ;;
*) exit 2 ;;
esac
`
	path := filepath.Join(t.TempDir(), "speech-helper.sh")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func sourceFor(t *testing.T, script string) *ExecSource {
	t.Helper()
	cfg := config.SourceConfig{Mode: "exec", Command: "/bin/sh '" + script + "'", Language: "en-US"}
	src, err := NewExecSource(cfg, discardLogger())
	if err != nil {
		t.Fatalf("new exec source: %v", err)
	}
	return src
}

func newExecSource(t *testing.T, stream string) *ExecSource {
	t.Helper()
	return sourceFor(t, writeHelper(t, stream))
}

func TestExecSourceUnknownAuthorizationStaysUnknown(t *testing.T) {
	src := sourceFor(t, writeScript(t, "echo provisional", "exit 0", "exit 0"))
	status := src.RequestAuthorization(context.Background())
	if status != AuthorizationUnknown {
		t.Fatalf("expected unknown status, got %v (%d)", status, int(status))
	}
	if _, ok := ParseAuthorizationStatus(status.String()); ok {
		t.Fatalf("unknown status must stay outside the known set")
	}
}

func TestExecSourceAvailabilityTimesOut(t *testing.T) {
	src := sourceFor(t, writeScript(t, "echo authorized", "exec sleep 10", "exit 0"))
	src.probeTimeout = 100 * time.Millisecond

	start := time.Now()
	if src.Available() {
		t.Fatalf("hung helper must not count as available")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("availability probe not bounded, took %v", elapsed)
	}
}

func TestExecSourcePermissions(t *testing.T) {
	src := newExecSource(t, "exit 0")
	ctx := context.Background()
	if status := src.RequestAuthorization(ctx); status != AuthorizationAuthorized {
		t.Fatalf("expected authorized, got %v", status)
	}
	if !src.RequestRecordingPermission(ctx) {
		t.Fatalf("expected recording permission")
	}
	if !src.Available() {
		t.Fatalf("expected helper available")
	}
}

func TestExecSourceStreamsUpdates(t *testing.T) {
	src := newExecSource(t, `  echo '{"segment":"open","transcript":"open","confidence":0}'
  echo 'not json'
  echo '{"segment":"page","transcript":"open next page","confidence":0.9}'
  echo '{"transcript":"open next page","final":true}'
  echo '{"segment":"ignored","transcript":"after final"}'`)

	stream, err := src.OpenStream(context.Background(), StreamOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Cancel()

	results := collect(t, stream)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if u := results[1].Update; u.Segment != "page" || u.Confidence != 0.9 {
		t.Fatalf("unexpected update %+v", u)
	}
	if !results[2].Update.Final || results[2].Err != nil {
		t.Fatalf("expected clean final, got %+v", results[2])
	}
}

func TestExecSourcePassesStreamFlags(t *testing.T) {
	src := newExecSource(t, `  echo "{\"segment\":\"args\",\"transcript\":\"$*\",\"final\":true}"`)
	stream, err := src.OpenStream(context.Background(), StreamOptions{OnDeviceOnly: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Cancel()

	results := collect(t, stream)
	if got := results[0].Update.Transcript; got != "stream --language en-US --on-device" {
		t.Fatalf("unexpected helper arguments %q", got)
	}
}

func TestExecSourceErrorLineCarriesResult(t *testing.T) {
	src := newExecSource(t, `  echo '{"segment":"hello","transcript":"hello","error":"segment limit reached"}'`)
	stream, err := src.OpenStream(context.Background(), StreamOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Cancel()

	results := collect(t, stream)
	if len(results) != 1 || results[0].Err == nil || results[0].Update == nil {
		t.Fatalf("expected error with result, got %+v", results)
	}
}

func TestExecSourceHelperFailure(t *testing.T) {
	src := newExecSource(t, `  echo 'audio engine failed' >&2
  exit 3`)
	stream, err := src.OpenStream(context.Background(), StreamOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Cancel()

	results := collect(t, stream)
	if len(results) != 1 || results[0].Err == nil || results[0].Update != nil {
		t.Fatalf("expected error without result, got %+v", results)
	}
}

func TestExecSourceCleanExitWithoutFinal(t *testing.T) {
	src := newExecSource(t, `  echo '{"segment":"hi","transcript":"hi"}'`)
	stream, err := src.OpenStream(context.Background(), StreamOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Cancel()

	results := collect(t, stream)
	if len(results) != 2 || !errors.Is(results[1].Err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed after partial, got %+v", results)
	}
}

func TestExecSourceRejectsBadCommand(t *testing.T) {
	if _, err := NewExecSource(config.SourceConfig{Command: "helper 'unterminated"}, discardLogger()); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := NewExecSource(config.SourceConfig{Command: "   "}, discardLogger()); err == nil {
		t.Fatalf("expected empty command error")
	}
}
