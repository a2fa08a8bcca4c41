package reachability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func expectEvent(t *testing.T, stream <-chan Event) Event {
	t.Helper()
	select {
	case event := <-stream:
		return event
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected reconnect event within deadline")
	}
	return Event{}
}

func expectNoEvent(t *testing.T, stream <-chan Event) {
	t.Helper()
	select {
	case event := <-stream:
		t.Fatalf("did not expect event, received %+v", event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestObserverReportsInitialState(t *testing.T) {
	if !NewObserver(true, nil).Online() {
		t.Fatalf("expected online initial state")
	}
	if NewObserver(false, nil).Online() {
		t.Fatalf("expected offline initial state")
	}
}

func TestObserverPublishesOncePerReconnectEdge(t *testing.T) {
	reachability := NewObserver(false, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := reachability.Subscribe(ctx)
	defer cleanup()

	reachability.SetOnline(true)
	event := expectEvent(t, stream)
	if event.Type != EventBecameOnline {
		t.Fatalf("expected %s, got %s", EventBecameOnline, event.Type)
	}

	reachability.SetOnline(true)
	expectNoEvent(t, stream)

	reachability.SetOnline(false)
	expectNoEvent(t, stream)
	if reachability.Online() {
		t.Fatalf("expected offline after disconnect report")
	}

	reachability.SetOnline(true)
	expectEvent(t, stream)
}

func TestObserverFansOutToEverySubscriber(t *testing.T) {
	reachability := NewObserver(false, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, firstCleanup := reachability.Subscribe(ctx)
	defer firstCleanup()
	second, secondCleanup := reachability.Subscribe(ctx)
	defer secondCleanup()

	reachability.SetOnline(true)
	expectEvent(t, first)
	expectEvent(t, second)
}

func TestObserverUnsubscribesOnCleanupAndCancel(t *testing.T) {
	reachability := NewObserver(false, nil)

	_, cleanup := reachability.Subscribe(context.Background())
	cleanup()
	cleanup()
	if count := reachability.subscriberCount(); count != 0 {
		t.Fatalf("expected cleanup to unsubscribe, %d subscribers remain", count)
	}

	ctx, cancel := context.WithCancel(context.Background())
	reachability.Subscribe(ctx)
	cancel()
	deadline := time.Now().Add(500 * time.Millisecond)
	for reachability.subscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected cancelled subscription to be removed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestObserverDoesNotBlockOnSlowSubscriber(t *testing.T) {
	reachability := NewObserver(false, nil)
	stream, cleanup := reachability.Subscribe(context.Background())
	defer cleanup()

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize*3; i++ {
			reachability.SetOnline(true)
			reachability.SetOnline(false)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publishing blocked on an unread subscriber")
	}
	if len(stream) != defaultBufferSize {
		t.Fatalf("expected buffer to be full, got %d", len(stream))
	}
}

func TestObserverLogsTransitions(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	reachability := NewObserver(true, zap.New(core))

	reachability.SetOnline(false)
	reachability.SetOnline(true)

	if logs.FilterMessage("network became unreachable").Len() != 1 {
		t.Fatalf("expected disconnect log")
	}
	if logs.FilterMessage("network became reachable").Len() != 1 {
		t.Fatalf("expected reconnect log")
	}
}

func TestProberReportsHealthStatus(t *testing.T) {
	var healthy atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	reachability := NewObserver(false, nil)
	stream, cleanup := reachability.Subscribe(context.Background())
	defer cleanup()

	prober, err := NewProber(ProberConfig{
		URL:      server.URL + "/healthz",
		Observer: reachability,
		Timeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("failed to build prober: %v", err)
	}

	if prober.Probe(context.Background()) {
		t.Fatalf("expected unhealthy server to read as offline")
	}
	healthy.Store(true)
	if !prober.Probe(context.Background()) {
		t.Fatalf("expected healthy server to read as online")
	}
	if !reachability.Online() {
		t.Fatalf("expected observer to be updated")
	}
	expectEvent(t, stream)
}

func TestProberTreatsUnreachableHostAsOffline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL + "/healthz"
	server.Close()

	reachability := NewObserver(true, nil)
	prober, err := NewProber(ProberConfig{URL: url, Observer: reachability, Timeout: time.Second})
	if err != nil {
		t.Fatalf("failed to build prober: %v", err)
	}
	if prober.Probe(context.Background()) {
		t.Fatalf("expected closed server to read as offline")
	}
	if reachability.Online() {
		t.Fatalf("expected observer to be marked offline")
	}
}

func TestProberRunPollsUntilCancelled(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	reachability := NewObserver(false, nil)
	prober, err := NewProber(ProberConfig{URL: server.URL, Observer: reachability, Interval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("failed to build prober: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		prober.Run(ctx)
		close(finished)
	}()

	deadline := time.Now().Add(time.Second)
	for hits.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("expected repeated probes")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("expected Run to return after cancellation")
	}
	if !reachability.Online() {
		t.Fatalf("expected probes to mark the observer online")
	}
}

func TestNewProberValidatesConfig(t *testing.T) {
	if _, err := NewProber(ProberConfig{Observer: NewObserver(false, nil)}); err == nil {
		t.Fatalf("expected error for missing url")
	}
	if _, err := NewProber(ProberConfig{URL: "http://127.0.0.1/healthz"}); err == nil {
		t.Fatalf("expected error for missing observer")
	}
}
