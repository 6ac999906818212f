package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/notifykit/pkg/audience"
	"github.com/dmitrymomot/notifykit/pkg/dispatch"
	"github.com/dmitrymomot/notifykit/pkg/provider"
	"github.com/dmitrymomot/notifykit/pkg/scheduler"
)

type fakeDispatcher struct {
	mu         sync.Mutex
	due        []dispatch.Notification
	listErr    error
	dispatched []uuid.UUID
	results    map[uuid.UUID]error
}

func (f *fakeDispatcher) ListDue(ctx context.Context, now time.Time) ([]dispatch.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.due, nil
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, id uuid.UUID) (dispatch.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, id)
	if err := f.results[id]; err != nil {
		return dispatch.Result{}, err
	}
	return dispatch.Result{Recipients: 1}, nil
}

func (f *fakeDispatcher) calls() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.dispatched...)
}

func due(ids ...uuid.UUID) []dispatch.Notification {
	ns := make([]dispatch.Notification, len(ids))
	for i, id := range ids {
		ns[i] = dispatch.Notification{ID: id, Status: dispatch.StatusScheduled}
	}
	return ns
}

func TestScheduler_TickDispatchesAllDue(t *testing.T) {
	t.Parallel()

	a, b, c := uuid.New(), uuid.New(), uuid.New()
	fake := &fakeDispatcher{due: due(a, b, c)}

	scheduler.New(fake).Tick(context.Background())

	assert.Equal(t, []uuid.UUID{a, b, c}, fake.calls())
}

func TestScheduler_TickContainsPerNotificationFailures(t *testing.T) {
	t.Parallel()

	a, b, c := uuid.New(), uuid.New(), uuid.New()
	fake := &fakeDispatcher{
		due:     due(a, b, c),
		results: map[uuid.UUID]error{b: errors.New("provider down")},
	}

	scheduler.New(fake).Tick(context.Background())

	// The middle failure must not stop c from dispatching.
	assert.Equal(t, []uuid.UUID{a, b, c}, fake.calls())
}

func TestScheduler_TickToleratesListError(t *testing.T) {
	t.Parallel()

	fake := &fakeDispatcher{listErr: errors.New("db down")}

	assert.NotPanics(t, func() {
		scheduler.New(fake).Tick(context.Background())
	})
	assert.Empty(t, fake.calls())
}

func TestScheduler_StartTicksImmediatelyAndStopsOnCancel(t *testing.T) {
	t.Parallel()

	a := uuid.New()
	fake := &fakeDispatcher{due: due(a)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- scheduler.New(fake, scheduler.WithInterval(time.Hour)).Start(ctx)
	}()

	require.Eventually(t, func() bool {
		return len(fake.calls()) == 1
	}, time.Second, 10*time.Millisecond, "first tick must fire without waiting for the interval")

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}

func TestScheduler_EndToEndWithEngine(t *testing.T) {
	t.Parallel()

	storage := dispatch.NewMemoryStorage()
	sender := stubSender{recipients: 1}
	engine := dispatch.NewEngine(storage, stubRecipients{}, sender)

	past := time.Now().Add(-time.Minute)
	n := dispatch.Notification{
		ID:        uuid.New(),
		Title:     "due now",
		Body:      "b",
		Status:    dispatch.StatusScheduled,
		SendAt:    &past,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, storage.CreateNotification(context.Background(), n))

	scheduler.New(engine).Tick(context.Background())

	sent, err := engine.Get(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusSent, sent.Status)
	assert.Equal(t, 1, sent.RetryCount)

	// Second tick finds nothing due.
	scheduler.New(engine).Tick(context.Background())
	again, err := engine.Get(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, again.RetryCount)
}

type stubRecipients struct{}

func (stubRecipients) ListActive(ctx context.Context) ([]audience.Recipient, error) {
	return []audience.Recipient{{ID: "u1", DeviceID: "dev-1", Active: true}}, nil
}

type stubSender struct {
	recipients int
}

func (stubSender) Name() string { return "onesignal" }

func (stubSender) Status() provider.Status {
	return provider.Status{Enabled: true, HasConfig: true, State: provider.StateOK}
}

func (s stubSender) SendChain(ctx context.Context, targets []provider.Target, msg provider.Message) (provider.Result, error) {
	return provider.Result{Mode: provider.ModeDeviceID, Recipients: s.recipients, MessageID: "m"}, nil
}
