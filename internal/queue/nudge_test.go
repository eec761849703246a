package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/courier/internal/events"
	"github.com/msageha/courier/internal/model"
)

func TestQueueReminder_InsertsAfterInFlight(t *testing.T) {
	f := newFixture(t)
	a := f.enqueue(t, EnqueueRequest{Text: "a"})
	b := f.enqueue(t, EnqueueRequest{Text: "b"})

	r, err := f.q.QueueReminder(ReminderRequest{PromptID: a.ID, Epoch: a.DispatchEpoch, Text: "still there?", TemplateID: "rtpl_default"})
	require.NoError(t, err)

	items := f.q.Items()
	require.Len(t, items, 3)
	assert.Equal(t, []string{a.ID, r.ID, b.ID}, []string{items[0].ID, items[1].ID, items[2].ID})
	assert.Equal(t, model.PromptTypeReminder, r.Type)
	assert.Equal(t, a.ID, r.ReminderFor)
	assert.False(t, r.ReminderEnabled)

	src, _ := f.q.Get(a.ID)
	assert.True(t, src.ReminderQueued)
	assert.Equal(t, 1, src.ReminderSentCount)
	assert.NotNil(t, src.LastReminderAt)
}

func TestQueueReminder_RejectsStaleTarget(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.AutoSend = false })
	p := f.enqueue(t, EnqueueRequest{Text: "a"})

	_, err := f.q.QueueReminder(ReminderRequest{PromptID: "prm_missing"})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.q.QueueReminder(ReminderRequest{PromptID: p.ID, Text: "x"})
	assert.ErrorIs(t, err, ErrStale, "pending item")

	require.NoError(t, f.q.SendNow(p.ID))
	_, err = f.q.QueueReminder(ReminderRequest{PromptID: p.ID, Epoch: 0, Text: "x"})
	assert.ErrorIs(t, err, ErrStale, "epoch moved on")
	assert.Equal(t, 1, f.q.Len())
}

func TestCheckTimeouts_DeliversNudges(t *testing.T) {
	f := newFixture(t)
	a := f.enqueue(t, EnqueueRequest{Text: "a"})
	r, err := f.q.QueueReminder(ReminderRequest{PromptID: a.ID, Epoch: 1, Text: "nudge"})
	require.NoError(t, err)

	assert.Equal(t, 1, f.q.CheckTimeouts())
	assert.Equal(t, 0, f.q.CheckTimeouts(), "already delivered")

	got, _ := f.q.Get(r.ID)
	assert.Equal(t, model.PromptStatusSent, got.Status)
	assert.Equal(t, model.PromptStatusSending, f.status(t, a.ID), "nudge never takes the sending slot")
	assert.Equal(t, []string{"a", "nudge"}, f.fwd.sent())
	assert.Equal(t, 1, sendingCount(f.q.Items()))
}

func TestCheckTimeouts_NudgeFailureKeepsInFlight(t *testing.T) {
	f := newFixture(t)
	a := f.enqueue(t, EnqueueRequest{Text: "a"})
	_, err := f.q.QueueReminder(ReminderRequest{PromptID: a.ID, Epoch: 1, Text: "nudge"})
	require.NoError(t, err)
	f.fwd.err = errSurfaceDown

	f.q.CheckTimeouts()

	assert.Equal(t, model.PromptStatusSending, f.status(t, a.ID))
}

func TestCheckTimeouts_DropsOrphans(t *testing.T) {
	f := newFixture(t)
	f.store.doc = model.PromptQueue{Prompts: []model.QueuedPrompt{
		{ID: "prm_r", Status: model.PromptStatusStaged},
	}}
	require.NoError(t, f.q.Load())
	f.q.mu.Lock()
	f.q.items = append(f.q.items, &model.QueuedPrompt{
		ID: "prm_orphan", Status: model.PromptStatusPending, Type: model.PromptTypeReminder, ReminderFor: "prm_gone",
	})
	f.q.mu.Unlock()

	assert.Equal(t, 0, f.q.CheckTimeouts())
	_, ok := f.q.Get("prm_orphan")
	assert.False(t, ok)
	assert.Empty(t, f.fwd.sent())
}

func TestAnswerCancelsPendingReminders(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.AutoAdvanceDelay = time.Hour })
	a := f.enqueue(t, EnqueueRequest{Text: "a", FollowUps: []model.FollowUpPrompt{{Text: "b"}}})
	_, err := f.q.QueueReminder(ReminderRequest{PromptID: a.ID, Epoch: 1, Text: "nudge 1"})
	require.NoError(t, err)

	require.True(t, f.q.HandleSignal(Signal{}), "follow-up answer")
	assert.Equal(t, 1, f.q.Len(), "pending reminder removed on follow-up answer")

	got, _ := f.q.Get(a.ID)
	assert.False(t, got.ReminderQueued, "the follow-up step gets its own reminder")
	_, err = f.q.QueueReminder(ReminderRequest{PromptID: a.ID, Epoch: got.DispatchEpoch, Text: "nudge 2"})
	require.NoError(t, err)

	require.True(t, f.q.HandleSignal(Signal{}), "final answer")
	assert.Equal(t, 1, f.q.Len())
	assert.Equal(t, 0, f.q.CheckTimeouts())
	assert.Equal(t, 0, f.q.RemovePendingReminders())
}

func TestPublishesEvents(t *testing.T) {
	bus := events.NewBus(16)
	defer bus.Close()
	got := make(chan events.EventType, 32)
	unsub := bus.SubscribeAll(func(e events.Event) { got <- e.Type })
	defer unsub()

	f := newFixture(t)
	f.q.bus = bus
	f.enqueue(t, EnqueueRequest{Text: "a"})
	require.True(t, f.q.HandleSignal(Signal{}))

	seen := map[events.EventType]bool{}
	require.Eventually(t, func() bool {
		for {
			select {
			case et := <-got:
				seen[et] = true
			default:
				return seen[events.EventQueueChanged] && seen[events.EventPromptSent] && seen[events.EventAnswerReceived]
			}
		}
	}, time.Second, 5*time.Millisecond)
}
