package producer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/callsync/internal/calls"
	"github.com/MarcoPoloResearchLab/callsync/internal/queue"
	"github.com/MarcoPoloResearchLab/callsync/internal/reachability"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingQueue struct {
	appended []calls.Details
	err      error
}

func (q *recordingQueue) Append(ctx context.Context, details calls.Details) (queue.OfflineCallRecord, error) {
	if q.err != nil {
		return queue.OfflineCallRecord{}, q.err
	}
	q.appended = append(q.appended, details)
	return queue.OfflineCallRecord{
		LocalID:    int64(len(q.appended)),
		LeadID:     details.LeadID.Int64(),
		UserID:     details.UserID.Int64(),
		SyncStatus: queue.StatusPending,
	}, nil
}

type countingTrigger struct {
	triggered int
}

func (t *countingTrigger) TriggerAsync(ctx context.Context) {
	t.triggered++
}

func TestRecordCallFlushesWhenOnline(t *testing.T) {
	store := &recordingQueue{}
	trigger := &countingTrigger{}
	producer, err := New(Config{Queue: store, Syncer: trigger, Network: reachability.NewObserver(true, nil)})
	if err != nil {
		t.Fatalf("failed to build producer: %v", err)
	}

	record, err := producer.RecordCall(context.Background(), calls.Details{LeadID: 5, UserID: 1, CallDate: time.Now()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.LocalID != 1 || len(store.appended) != 1 {
		t.Fatalf("expected call to be appended")
	}
	if trigger.triggered != 1 {
		t.Fatalf("expected one sync trigger, got %d", trigger.triggered)
	}
}

func TestRecordCallOnlyAppendsWhenOffline(t *testing.T) {
	store := &recordingQueue{}
	trigger := &countingTrigger{}
	producer, err := New(Config{Queue: store, Syncer: trigger, Network: reachability.NewObserver(false, nil)})
	if err != nil {
		t.Fatalf("failed to build producer: %v", err)
	}

	if _, err := producer.RecordCall(context.Background(), calls.Details{LeadID: 5, UserID: 1, CallDate: time.Now()}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.appended) != 1 {
		t.Fatalf("expected call to be appended while offline")
	}
	if trigger.triggered != 0 {
		t.Fatalf("expected no sync trigger while offline")
	}
}

func TestRecordCallPropagatesAppendFailure(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	appendErr := errors.New("disk full")
	trigger := &countingTrigger{}
	producer, err := New(Config{
		Queue:   &recordingQueue{err: appendErr},
		Syncer:  trigger,
		Network: reachability.NewObserver(true, nil),
		Logger:  zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to build producer: %v", err)
	}

	_, err = producer.RecordCall(context.Background(), calls.Details{LeadID: 5, UserID: 1, CallDate: time.Now()})
	if !errors.Is(err, appendErr) {
		t.Fatalf("expected append error to propagate, got %v", err)
	}
	if trigger.triggered != 0 {
		t.Fatalf("expected no flush after a failed append")
	}
	if logs.FilterMessage("failed to queue call").Len() != 1 {
		t.Fatalf("expected append failure to be logged")
	}
}

func TestCallEndedDerivesDateAndDuration(t *testing.T) {
	current := time.Unix(1700000000, 0).UTC()
	clock := func() time.Time { return current }
	store := &recordingQueue{}
	producer, err := New(Config{Queue: store, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build producer: %v", err)
	}

	session := producer.CallStarted(5, 1)
	current = current.Add(95*time.Second + 400*time.Millisecond)
	outcome := "interested"
	if _, err := producer.CallEnded(context.Background(), session, CallResult{Outcome: &outcome}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	details := store.appended[0]
	if !details.CallDate.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("expected call date at session start, got %s", details.CallDate)
	}
	if details.DurationSeconds == nil || *details.DurationSeconds != 95 {
		t.Fatalf("expected derived duration of 95s, got %v", details.DurationSeconds)
	}
	if details.Outcome == nil || *details.Outcome != outcome {
		t.Fatalf("expected outcome to be carried")
	}
}

func TestCallEndedKeepsSuppliedDuration(t *testing.T) {
	store := &recordingQueue{}
	producer, err := New(Config{Queue: store})
	if err != nil {
		t.Fatalf("failed to build producer: %v", err)
	}
	duration := 12
	session := producer.CallStarted(5, 1)
	if _, err := producer.CallEnded(context.Background(), session, CallResult{DurationSeconds: &duration}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := store.appended[0].DurationSeconds; got == nil || *got != 12 {
		t.Fatalf("expected supplied duration, got %v", got)
	}
}

func TestNewRequiresQueue(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error for missing queue")
	}
}
