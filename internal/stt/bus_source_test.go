package stt

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voicecommand/internal/bus"
	"github.com/loqalabs/loqa-voicecommand/internal/config"
	"github.com/loqalabs/loqa-voicecommand/internal/natsserver"
	"github.com/loqalabs/loqa-voicecommand/internal/protocol"
	"github.com/nats-io/nats.go"
)

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, discardLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, "stt-test", discardLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func publishTranscript(t *testing.T, client *bus.Client, tr protocol.Transcript) {
	t.Helper()
	subject := protocol.SubjectTranscriptPartial
	if !tr.Partial {
		subject = protocol.SubjectTranscriptFinal
	}
	if err := client.PublishJSON(subject, tr); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestBusSourceStreamsTranscripts(t *testing.T) {
	client := startBus(t)

	requests := make(chan *nats.Msg, 1)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectStreamOpen, requests)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	src := NewBusSource(config.SourceConfig{Mode: "bus", SessionFilter: "kitchen"}, client, discardLogger())
	if !src.Available() {
		t.Fatalf("expected source available while connected")
	}
	stream, err := src.OpenStream(context.Background(), StreamOptions{SessionID: "s-1", OnDeviceOnly: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Cancel()

	select {
	case msg := <-requests:
		var req protocol.StreamRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.SessionID != "s-1" || !req.OnDeviceOnly || req.StreamID == "" {
			t.Fatalf("unexpected stream request %+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("stream request not published")
	}

	publishTranscript(t, client, protocol.Transcript{SessionID: "garage", Text: "lights off", Partial: true})
	publishTranscript(t, client, protocol.Transcript{SessionID: "kitchen", Text: "open next", Partial: true})
	publishTranscript(t, client, protocol.Transcript{SessionID: "kitchen", Text: "open next page", Segment: "page", Partial: true, Confidence: 0.5})
	publishTranscript(t, client, protocol.Transcript{SessionID: "kitchen", Text: "open next page"})

	results := collect(t, stream)
	if len(results) != 3 {
		t.Fatalf("expected 3 results from the filtered session, got %d", len(results))
	}
	if u := results[0].Update; u.Segment != "next" || u.Transcript != "open next" {
		t.Fatalf("expected segment derived from last word, got %+v", u)
	}
	if u := results[1].Update; u.Segment != "page" || u.Confidence != 0.5 {
		t.Fatalf("unexpected update %+v", u)
	}
	if !results[2].Update.Final {
		t.Fatalf("expected final update")
	}
}

func TestBusSourceSegmentExpiry(t *testing.T) {
	client := startBus(t)

	src := NewBusSource(config.SourceConfig{Mode: "bus", SegmentLimitMS: 150}, client, discardLogger())
	stream, err := src.OpenStream(context.Background(), StreamOptions{SessionID: "s-2"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Cancel()

	publishTranscript(t, client, protocol.Transcript{Text: "hello there", Partial: true})

	results := collect(t, stream)
	if len(results) != 2 {
		t.Fatalf("expected partial and expiry, got %d", len(results))
	}
	last := results[1]
	if !errors.Is(last.Err, ErrSegmentExpired) || last.Update == nil || last.Update.Transcript != "hello there" {
		t.Fatalf("expected expiry carrying the last transcript, got %+v", last)
	}
}

func TestBusSourceContextCancelled(t *testing.T) {
	client := startBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	src := NewBusSource(config.SourceConfig{Mode: "bus"}, client, discardLogger())
	stream, err := src.OpenStream(ctx, StreamOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Cancel()
	cancel()

	results := collect(t, stream)
	if len(results) != 1 || results[0].Err == nil || results[0].Update != nil {
		t.Fatalf("expected error without result, got %+v", results)
	}
}
