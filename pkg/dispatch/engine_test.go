package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/notifykit/pkg/audience"
	"github.com/dmitrymomot/notifykit/pkg/dispatch"
	"github.com/dmitrymomot/notifykit/pkg/provider"
	"github.com/dmitrymomot/notifykit/pkg/stream"
)

// MockSender for testing Engine.
type MockSender struct {
	mock.Mock
}

func (m *MockSender) Name() string {
	return "onesignal"
}

func (m *MockSender) Status() provider.Status {
	args := m.Called()
	return args.Get(0).(provider.Status)
}

func (m *MockSender) SendChain(ctx context.Context, targets []provider.Target, msg provider.Message) (provider.Result, error) {
	args := m.Called(ctx, targets, msg)
	return args.Get(0).(provider.Result), args.Error(1)
}

type fakeRecipients struct {
	pool []audience.Recipient
	err  error
}

func (f *fakeRecipients) ListActive(ctx context.Context) ([]audience.Recipient, error) {
	return f.pool, f.err
}

type fakeAudiences struct {
	rules map[uuid.UUID][]audience.Rule
	err   error
}

func (f *fakeAudiences) Rules(ctx context.Context, audienceID uuid.UUID) ([]audience.Rule, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.rules[audienceID], nil
}

// recordingEmitter captures fan-out events per recipient.
type recordingEmitter struct {
	mu     sync.Mutex
	events map[string][]stream.Event
}

func newRecordingEmitter() *recordingEmitter {
	return &recordingEmitter{events: make(map[string][]stream.Event)}
}

func (r *recordingEmitter) Emit(ctx context.Context, recipientID string, ev stream.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[recipientID] = append(r.events[recipientID], ev)
}

func okStatus() provider.Status {
	return provider.Status{Enabled: true, HasConfig: true, State: provider.StateOK}
}

func istanbulPool() []audience.Recipient {
	return []audience.Recipient{
		{ID: "u1", DeviceID: "dev-1", Active: true, Attributes: map[string]any{"city": "Istanbul"}},
		{ID: "u2", DeviceID: "dev-2", Active: true, Attributes: map[string]any{"city": "Istanbul"}},
		{ID: "u3", DeviceID: "dev-3", Active: true, Attributes: map[string]any{"city": "Istanbul"}},
		{ID: "u4", DeviceID: "dev-4", Active: true, Attributes: map[string]any{"city": "Ankara"}},
		{ID: "u5", Active: true, Attributes: map[string]any{"city": "Istanbul"}},
	}
}

func deviceResult(recipients int) provider.Result {
	return provider.Result{Mode: provider.ModeDeviceID, Recipients: recipients, MessageID: "prov-msg-1"}
}

func TestEngine_DispatchAudienceScenario(t *testing.T) {
	t.Parallel()

	storage := dispatch.NewMemoryStorage()
	sender := new(MockSender)
	sender.On("Status").Return(okStatus())
	sender.On("SendChain", mock.Anything, mock.Anything, mock.Anything).Return(deviceResult(3), nil)

	audienceID := uuid.New()
	audiences := &fakeAudiences{rules: map[uuid.UUID][]audience.Rule{
		audienceID: {{Field: "city", Operator: audience.OpEq, Value: "Istanbul"}},
	}}
	emitter := newRecordingEmitter()

	engine := dispatch.NewEngine(storage, &fakeRecipients{pool: istanbulPool()}, sender,
		dispatch.WithAudienceSource(audiences),
		dispatch.WithEmitter(emitter),
	)

	res, err := engine.Create(context.Background(), dispatch.CreateInput{
		Title:      "Hello Istanbul",
		Body:       "city-wide announcement",
		AudienceID: &audienceID,
	})
	require.NoError(t, err)

	n := res.Notification
	assert.Equal(t, dispatch.StatusSent, n.Status)
	assert.Equal(t, 1, n.RetryCount)
	assert.NotNil(t, n.SentAt)
	assert.Empty(t, n.Error)
	assert.Equal(t, 3, res.Recipients)

	// Exactly the three matched, reachable recipients got inbox rows.
	records := storage.DeliveryRecords(n.ID)
	gotUsers := make([]string, len(records))
	for i, r := range records {
		gotUsers[i] = r.UserID
	}
	assert.ElementsMatch(t, []string{"u1", "u2", "u3"}, gotUsers)

	// One successful log row with attempt numbering.
	log, err := storage.ListLog(context.Background(), n.ID)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.True(t, log[0].Success)
	assert.Equal(t, 1, log[0].Attempt)
	assert.Equal(t, dispatch.StatusPending, log[0].StatusBefore)
	assert.Equal(t, dispatch.StatusSent, log[0].StatusAfter)
	assert.Equal(t, "onesignal", log[0].Provider)
	assert.Equal(t, "prov-msg-1", log[0].ProviderMessageID)

	// Fan-out reached every matched recipient, provider outcome aside.
	for _, id := range []string{"u1", "u2", "u3"} {
		require.Len(t, emitter.events[id], 1)
		assert.Equal(t, stream.TypeNotification, emitter.events[id][0].Type)
	}
	assert.Empty(t, emitter.events["u4"], "rule-excluded recipient must not receive events")
}

func TestEngine_DispatchAlreadySentIsNoOp(t *testing.T) {
	t.Parallel()

	storage := dispatch.NewMemoryStorage()
	sender := new(MockSender)
	sender.On("Status").Return(okStatus())
	sender.On("SendChain", mock.Anything, mock.Anything, mock.Anything).Return(deviceResult(4), nil).Once()

	engine := dispatch.NewEngine(storage, &fakeRecipients{pool: istanbulPool()}, sender)

	res, err := engine.Create(context.Background(), dispatch.CreateInput{Title: "t", Body: "b"})
	require.NoError(t, err)
	id := res.Notification.ID

	recordsBefore := len(storage.DeliveryRecords(id))
	logBefore, _ := storage.ListLog(context.Background(), id)

	again, err := engine.Dispatch(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, again.Skipped)
	assert.Equal(t, "already sent", again.SkipReason)
	assert.Equal(t, 1, again.Notification.RetryCount, "skipped dispatch must not bump the attempt counter")

	logAfter, _ := storage.ListLog(context.Background(), id)
	assert.Len(t, logAfter, len(logBefore))
	assert.Len(t, storage.DeliveryRecords(id), recordsBefore)

	sender.AssertNumberOfCalls(t, "SendChain", 1)
}

func TestEngine_RetryCountEqualsAttempts(t *testing.T) {
	t.Parallel()

	storage := dispatch.NewMemoryStorage()
	sender := new(MockSender)
	sender.On("Status").Return(okStatus())
	// Two provider failures, then success.
	sender.On("SendChain", mock.Anything, mock.Anything, mock.Anything).Return(provider.Result{}, errors.New("boom")).Twice()
	sender.On("SendChain", mock.Anything, mock.Anything, mock.Anything).Return(deviceResult(4), nil).Once()

	engine := dispatch.NewEngine(storage, &fakeRecipients{pool: istanbulPool()}, sender)

	res, err := engine.Create(context.Background(), dispatch.CreateInput{Title: "t", Body: "b"})
	require.ErrorIs(t, err, dispatch.ErrDispatchFailed)
	id := res.Notification.ID
	assert.Equal(t, 1, res.Notification.RetryCount)

	_, err = engine.Dispatch(context.Background(), id)
	require.ErrorIs(t, err, dispatch.ErrDispatchFailed)

	final, err := engine.Dispatch(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusSent, final.Notification.Status)
	assert.Equal(t, 3, final.Notification.RetryCount)
	assert.Equal(t, 3, final.Attempt)

	log, _ := storage.ListLog(context.Background(), id)
	require.Len(t, log, 3)
	for i, entry := range log {
		assert.Equal(t, i+1, entry.Attempt)
	}
	assert.False(t, log[0].Success)
	assert.False(t, log[1].Success)
	assert.True(t, log[2].Success)
}

func TestEngine_ZeroConfirmedRecipientsFails(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		pool   []audience.Recipient
		result provider.Result
		err    error
	}{
		{
			name:   "provider confirms zero",
			pool:   istanbulPool(),
			result: provider.Result{Mode: provider.ModeDeviceID, Recipients: 0, MessageID: "m"},
		},
		{
			name: "empty audience",
			pool: nil,
		},
		{
			name: "only unreachable recipients",
			pool: []audience.Recipient{{ID: "u9", Active: true}},
		},
		{
			name:   "provider error",
			pool:   istanbulPool(),
			err:    errors.New("status 400: All included players are not subscribed"),
			result: provider.Result{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			storage := dispatch.NewMemoryStorage()
			sender := new(MockSender)
			sender.On("Status").Return(okStatus())
			sender.On("SendChain", mock.Anything, mock.Anything, mock.Anything).Return(tt.result, tt.err)

			engine := dispatch.NewEngine(storage, &fakeRecipients{pool: tt.pool}, sender)

			res, err := engine.Create(context.Background(), dispatch.CreateInput{Title: "t", Body: "b"})
			require.ErrorIs(t, err, dispatch.ErrDispatchFailed)

			n := res.Notification
			assert.Equal(t, dispatch.StatusFailed, n.Status)
			assert.NotEmpty(t, n.Error, "failed dispatch must persist a descriptive error")
			assert.Empty(t, storage.DeliveryRecords(n.ID))

			log, _ := storage.ListLog(context.Background(), n.ID)
			require.Len(t, log, 1)
			assert.False(t, log[0].Success)
			assert.Equal(t, dispatch.StatusFailed, log[0].StatusAfter)
		})
	}
}

func TestEngine_DeliveryRecordsIdempotentUnderRetry(t *testing.T) {
	t.Parallel()

	storage := dispatch.NewMemoryStorage()
	sender := new(MockSender)
	sender.On("Status").Return(okStatus())
	// First attempt delivers but the engine is then forced back to
	// failed (as if the sent write had been lost); the retry overlaps
	// the same recipients.
	sender.On("SendChain", mock.Anything, mock.Anything, mock.Anything).Return(deviceResult(4), nil)

	engine := dispatch.NewEngine(storage, &fakeRecipients{pool: istanbulPool()}, sender)

	res, err := engine.Create(context.Background(), dispatch.CreateInput{Title: "t", Body: "b"})
	require.NoError(t, err)
	id := res.Notification.ID
	require.Len(t, storage.DeliveryRecords(id), 4)

	_, err = storage.MarkFailed(context.Background(), id, "simulated lost result")
	require.NoError(t, err)

	_, err = engine.Dispatch(context.Background(), id)
	require.NoError(t, err)

	assert.Len(t, storage.DeliveryRecords(id), 4, "overlapping retry must not duplicate (user, notification) rows")
}

func TestEngine_CreateScheduled(t *testing.T) {
	t.Parallel()

	storage := dispatch.NewMemoryStorage()
	sender := new(MockSender) // no expectations: nothing may be sent

	engine := dispatch.NewEngine(storage, &fakeRecipients{pool: istanbulPool()}, sender)

	sendAt := time.Now().Add(10 * time.Minute)
	res, err := engine.Create(context.Background(), dispatch.CreateInput{Title: "later", Body: "b", SendAt: &sendAt})
	require.NoError(t, err)

	n := res.Notification
	assert.Equal(t, dispatch.StatusScheduled, n.Status)
	assert.Zero(t, n.RetryCount)
	require.NotNil(t, n.SendAt)
	assert.True(t, n.SendAt.Equal(sendAt))

	sender.AssertNotCalled(t, "SendChain")

	// Not due yet.
	due, err := engine.ListDue(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Empty(t, due)

	// Due once sendAt passes.
	due, err = engine.ListDue(context.Background(), sendAt.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, n.ID, due[0].ID)
}

func TestEngine_CreatePastSendAtDispatchesImmediately(t *testing.T) {
	t.Parallel()

	storage := dispatch.NewMemoryStorage()
	sender := new(MockSender)
	sender.On("Status").Return(okStatus())
	sender.On("SendChain", mock.Anything, mock.Anything, mock.Anything).Return(deviceResult(4), nil)

	engine := dispatch.NewEngine(storage, &fakeRecipients{pool: istanbulPool()}, sender)

	past := time.Now().Add(-time.Minute)
	res, err := engine.Create(context.Background(), dispatch.CreateInput{Title: "now", Body: "b", SendAt: &past})
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusSent, res.Notification.Status)
}

func TestEngine_DryRunLeavesStateUntouched(t *testing.T) {
	t.Parallel()

	storage := dispatch.NewMemoryStorage()
	sender := new(MockSender)
	sender.On("Status").Return(provider.Status{Enabled: true, DryRun: true, HasConfig: true, State: provider.StateDryRun})

	engine := dispatch.NewEngine(storage, &fakeRecipients{pool: istanbulPool()}, sender)

	sendAt := time.Now().Add(-time.Second)
	res, err := engine.Create(context.Background(), dispatch.CreateInput{Title: "t", Body: "b", SendAt: &sendAt})
	require.NoError(t, err)

	n := res.Notification
	assert.True(t, res.Skipped)
	assert.Equal(t, string(provider.StateDryRun), res.SkipReason)
	assert.Equal(t, 4, res.Recipients, "dry-run reports the resolved audience size")

	// No claim, no terminal transition, no rows.
	stored, err := engine.Get(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusPending, stored.Status)
	assert.Zero(t, stored.RetryCount)
	assert.Empty(t, storage.DeliveryRecords(n.ID))
	log, _ := storage.ListLog(context.Background(), n.ID)
	assert.Empty(t, log)

	sender.AssertNotCalled(t, "SendChain")
}

func TestEngine_DispatchUnknownID(t *testing.T) {
	t.Parallel()

	engine := dispatch.NewEngine(dispatch.NewMemoryStorage(), &fakeRecipients{}, new(MockSender))

	_, err := engine.Dispatch(context.Background(), uuid.New())
	assert.ErrorIs(t, err, dispatch.ErrNotFound)
}

func TestEngine_Cancel(t *testing.T) {
	t.Parallel()

	storage := dispatch.NewMemoryStorage()
	sender := new(MockSender)
	engine := dispatch.NewEngine(storage, &fakeRecipients{pool: istanbulPool()}, sender)

	sendAt := time.Now().Add(time.Hour)
	res, err := engine.Create(context.Background(), dispatch.CreateInput{Title: "t", Body: "b", SendAt: &sendAt})
	require.NoError(t, err)

	canceled, err := engine.Cancel(context.Background(), res.Notification.ID)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusFailed, canceled.Status)
	assert.Equal(t, "canceled by admin", canceled.Error)

	sender.AssertNotCalled(t, "SendChain")
}

func TestEngine_CancelSentNotification(t *testing.T) {
	t.Parallel()

	storage := dispatch.NewMemoryStorage()
	sender := new(MockSender)
	sender.On("Status").Return(okStatus())
	sender.On("SendChain", mock.Anything, mock.Anything, mock.Anything).Return(deviceResult(4), nil)

	engine := dispatch.NewEngine(storage, &fakeRecipients{pool: istanbulPool()}, sender)

	res, err := engine.Create(context.Background(), dispatch.CreateInput{Title: "t", Body: "b"})
	require.NoError(t, err)

	_, err = engine.Cancel(context.Background(), res.Notification.ID)
	assert.ErrorIs(t, err, dispatch.ErrAlreadySent)
}

func TestEngine_UpdateReclassifiesSchedule(t *testing.T) {
	t.Parallel()

	storage := dispatch.NewMemoryStorage()
	engine := dispatch.NewEngine(storage, &fakeRecipients{}, new(MockSender))

	future := time.Now().Add(time.Hour)
	res, err := engine.Create(context.Background(), dispatch.CreateInput{Title: "t", Body: "b", SendAt: &future})
	require.NoError(t, err)
	id := res.Notification.ID

	title := "updated title"
	past := time.Now().Add(-time.Minute)
	updated, err := engine.Update(context.Background(), id, dispatch.UpdateInput{Title: &title, SendAt: &past})
	require.NoError(t, err)

	assert.Equal(t, "updated title", updated.Title)
	assert.Equal(t, dispatch.StatusPending, updated.Status, "past sendAt reclassifies to pending")

	later := time.Now().Add(2 * time.Hour)
	updated, err = engine.Update(context.Background(), id, dispatch.UpdateInput{SendAt: &later})
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusScheduled, updated.Status)
}

func TestEngine_UpdateTerminalNotification(t *testing.T) {
	t.Parallel()

	storage := dispatch.NewMemoryStorage()
	engine := dispatch.NewEngine(storage, &fakeRecipients{}, new(MockSender))

	sendAt := time.Now().Add(time.Hour)
	res, err := engine.Create(context.Background(), dispatch.CreateInput{Title: "t", Body: "b", SendAt: &sendAt})
	require.NoError(t, err)

	_, err = engine.Cancel(context.Background(), res.Notification.ID)
	require.NoError(t, err)

	title := "nope"
	_, err = engine.Update(context.Background(), res.Notification.ID, dispatch.UpdateInput{Title: &title})
	assert.ErrorIs(t, err, dispatch.ErrTerminalState)
}

func TestEngine_AudienceRulesUnavailableFallsBack(t *testing.T) {
	t.Parallel()

	storage := dispatch.NewMemoryStorage()
	sender := new(MockSender)
	sender.On("Status").Return(okStatus())

	var captured []provider.Target
	sender.On("SendChain", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { captured = args.Get(1).([]provider.Target) }).
		Return(deviceResult(4), nil)

	audienceID := uuid.New()
	engine := dispatch.NewEngine(storage, &fakeRecipients{pool: istanbulPool()}, sender,
		dispatch.WithAudienceSource(&fakeAudiences{err: errors.New("audience store down")}),
	)

	res, err := engine.Create(context.Background(), dispatch.CreateInput{Title: "t", Body: "b", AudienceID: &audienceID})
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusSent, res.Notification.Status)

	// All four reachable recipients targeted via the default predicate.
	var device []string
	for _, target := range captured {
		if target.Mode == provider.ModeDeviceID {
			device = target.IDs
		}
	}
	assert.ElementsMatch(t, []string{"dev-1", "dev-2", "dev-3", "dev-4"}, device)
}

func TestEngine_PanicInEmitterIsContained(t *testing.T) {
	t.Parallel()

	storage := dispatch.NewMemoryStorage()
	sender := new(MockSender)
	sender.On("Status").Return(okStatus())

	engine := dispatch.NewEngine(storage, &fakeRecipients{pool: istanbulPool()}, sender,
		dispatch.WithEmitter(panicEmitter{}),
	)

	res, err := engine.Create(context.Background(), dispatch.CreateInput{Title: "t", Body: "b"})
	require.ErrorIs(t, err, dispatch.ErrDispatchFailed)
	assert.Equal(t, dispatch.StatusFailed, res.Notification.Status)
	assert.Contains(t, res.Notification.Error, "panic during dispatch")
}

type panicEmitter struct{}

func (panicEmitter) Emit(ctx context.Context, recipientID string, ev stream.Event) {
	panic("emitter exploded")
}

func TestEngine_DeliveryRecordsFollowAuthoritativeMode(t *testing.T) {
	t.Parallel()

	// u1 is addressable by external id only, u2 by device id only.
	pool := []audience.Recipient{
		{ID: "u1", ExternalID: "ext-1", Active: true},
		{ID: "u2", DeviceID: "dev-2", Active: true},
	}

	storage := dispatch.NewMemoryStorage()
	sender := new(MockSender)
	sender.On("Status").Return(okStatus())
	sender.On("SendChain", mock.Anything, mock.Anything, mock.Anything).
		Return(provider.Result{Mode: provider.ModeDeviceID, Recipients: 1, MessageID: "m"}, nil)

	engine := dispatch.NewEngine(storage, &fakeRecipients{pool: pool}, sender)

	res, err := engine.Create(context.Background(), dispatch.CreateInput{Title: "t", Body: "b"})
	require.NoError(t, err)

	records := storage.DeliveryRecords(res.Notification.ID)
	require.Len(t, records, 1)
	assert.Equal(t, "u2", records[0].UserID, "only recipients reachable in the confirmed mode get inbox rows")
}

func TestStatus_Transitions(t *testing.T) {
	t.Parallel()

	assert.True(t, dispatch.StatusScheduled.CanTransition(dispatch.StatusPending))
	assert.True(t, dispatch.StatusScheduled.CanTransition(dispatch.StatusFailed))
	assert.True(t, dispatch.StatusPending.CanTransition(dispatch.StatusSent))
	assert.True(t, dispatch.StatusPending.CanTransition(dispatch.StatusFailed))
	assert.True(t, dispatch.StatusFailed.CanTransition(dispatch.StatusPending))

	// Never backward, never out of sent.
	assert.False(t, dispatch.StatusSent.CanTransition(dispatch.StatusPending))
	assert.False(t, dispatch.StatusSent.CanTransition(dispatch.StatusFailed))
	assert.False(t, dispatch.StatusPending.CanTransition(dispatch.StatusScheduled))
	assert.False(t, dispatch.StatusFailed.CanTransition(dispatch.StatusScheduled))
}
