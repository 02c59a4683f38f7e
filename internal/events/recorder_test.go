package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "PulseFi-Session/internal/errors"
	"PulseFi-Session/internal/observability/alerting"
)

type memorySink struct {
	mu     sync.Mutex
	events []Event
	fail   int
}

func (s *memorySink) Save(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail > 0 {
		s.fail--
		return errors.New("disk full")
	}
	s.events = append(s.events, e)
	return nil
}

func (s *memorySink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

type alertRecorder struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (a *alertRecorder) Notify(_ context.Context, e alerting.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return nil
}

func TestRecorderPersistsPublishedEvents(t *testing.T) {
	queue := NewMemoryQueue(8)
	sink := &memorySink{}
	rec := NewRecorder(queue, sink, WithWorkerCount(2))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- rec.Start(ctx) }()

	Emit(ctx, queue, KindSessionStarted, "s1", map[string]string{"amount": "25"})
	Emit(ctx, queue, KindTradeExecuted, "s1", nil)

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 2 }, time.Second, 10*time.Millisecond)
	kinds := map[Kind]bool{}
	for _, e := range sink.snapshot() {
		kinds[e.Kind] = true
		assert.Equal(t, "s1", e.SessionID)
		assert.NotEmpty(t, e.ID)
	}
	assert.True(t, kinds[KindSessionStarted])
	assert.True(t, kinds[KindTradeExecuted])

	require.NoError(t, queue.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("recorder did not stop after queue close")
	}
}

func TestRecorderRetriesThenDrops(t *testing.T) {
	sink := &memorySink{fail: 5}
	alerts := &alertRecorder{}
	rec := NewRecorder(NewMemoryQueue(1), sink, WithMaxAttempts(2), WithAlertDispatcher(alerts))
	ctx := context.Background()

	event := New(KindDecisionRecorded, "s1", nil)
	err := rec.handle(ctx, event)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(err))

	event.Attempt = 1
	require.NoError(t, rec.handle(ctx, event))
	require.Len(t, alerts.events, 1)
	assert.Equal(t, xerrors.CodeStorageFailure, alerts.events[0].Code)
	assert.Equal(t, "s1", alerts.events[0].SessionID)
}

func TestEncodeDecode(t *testing.T) {
	e := New(KindSessionSettled, "s9", map[string]string{"final_balance": "24.4"})
	raw, err := Encode(e)
	require.NoError(t, err)
	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, "24.4", got.Attributes["final_balance"])

	_, err = Decode([]byte("{"))
	assert.Error(t, err)
}

func TestStartRequiresSink(t *testing.T) {
	err := NewRecorder(NewMemoryQueue(1), nil).Start(context.Background())
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
}
