package stt

import (
	"context"
	"errors"
	"testing"
	"time"
)

func collect(t *testing.T, stream Stream) []Result {
	t.Helper()
	var out []Result
	timeout := time.After(2 * time.Second)
	for {
		select {
		case r, ok := <-stream.Results():
			if !ok {
				return out
			}
			out = append(out, r)
			if r.Err != nil || (r.Update != nil && r.Update.Final) {
				return out
			}
		case <-timeout:
			t.Fatalf("stream did not finish, got %d results", len(out))
		}
	}
}

func TestMockSourceSpeaksWordByWord(t *testing.T) {
	src := NewMockSource([]string{"open next page"}, 0)
	stream, err := src.OpenStream(context.Background(), StreamOptions{OnDeviceOnly: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Cancel()

	results := collect(t, stream)
	if len(results) != 4 {
		t.Fatalf("expected 3 partials and a final, got %d", len(results))
	}
	if u := results[1].Update; u.Segment != "next" || u.Transcript != "open next" || u.Confidence != 0 {
		t.Fatalf("unexpected partial %+v", u)
	}
	if u := results[3].Update; !u.Final || u.Transcript != "open next page" {
		t.Fatalf("unexpected final %+v", u)
	}
	if opts := src.Options(); len(opts) != 1 || !opts[0].OnDeviceOnly {
		t.Fatalf("expected stream options recorded, got %+v", opts)
	}
}

func TestScriptedSourceIdlesAfterScripts(t *testing.T) {
	src := &ScriptedSource{Authorization: AuthorizationAuthorized}
	stream, err := src.OpenStream(context.Background(), StreamOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	select {
	case r := <-stream.Results():
		t.Fatalf("expected silence, got %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	stream.Cancel()
	stream.Cancel()
	select {
	case _, ok := <-stream.Results():
		if ok {
			t.Fatalf("expected results closed after cancel")
		}
	case <-time.After(time.Second):
		t.Fatalf("stream not closed after cancel")
	}
}

func TestScriptedSourceOpenError(t *testing.T) {
	want := errors.New("no microphone")
	src := &ScriptedSource{OpenErr: want}
	if _, err := src.OpenStream(context.Background(), StreamOptions{}); !errors.Is(err, want) {
		t.Fatalf("expected open error, got %v", err)
	}
	if src.Opened() != 0 {
		t.Fatalf("failed opens must not count")
	}
}

func TestParseAuthorizationStatus(t *testing.T) {
	for _, status := range []AuthorizationStatus{AuthorizationNotDetermined, AuthorizationDenied, AuthorizationRestricted, AuthorizationAuthorized} {
		parsed, ok := ParseAuthorizationStatus(status.String())
		if !ok || parsed != status {
			t.Fatalf("round trip failed for %v", status)
		}
	}
	if _, ok := ParseAuthorizationStatus("maybe"); ok {
		t.Fatalf("expected unknown status to be rejected")
	}
}
