package timer

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/courier/internal/expand"
	"github.com/msageha/courier/internal/logging"
	"github.com/msageha/courier/internal/model"
	"github.com/msageha/courier/internal/queue"
)

type fakeQueue struct {
	mu       sync.Mutex
	requests []queue.EnqueueRequest
	pending  map[string]bool
	panicOn  string
}

func (f *fakeQueue) Enqueue(req queue.EnqueueRequest) (model.QueuedPrompt, error) {
	if f.panicOn != "" && strings.Contains(req.Text, f.panicOn) {
		panic("boom")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.pending == nil {
		f.pending = map[string]bool{}
	}
	f.pending[req.Template] = true
	return model.QueuedPrompt{ID: "prm_x", Status: req.InitialStatus, Template: req.Template}, nil
}

func (f *fakeQueue) HasPendingWithTemplate(template string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending[template]
}

// drain simulates the queue sending every pending timed item.
func (f *fakeQueue) drain() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = nil
}

type memStore struct {
	doc   model.TimerEntries
	saves int
}

func (m *memStore) LoadTimers() (model.TimerEntries, error) { return m.doc, nil }
func (m *memStore) SaveTimers(doc model.TimerEntries) error {
	m.saves++
	m.doc = doc
	return nil
}

type harness struct {
	e     *Engine
	q     *fakeQueue
	store *memStore
	now   time.Time
}

// Tuesday 2026-10-13 10:00 UTC.
var tuesday10 = time.Date(2026, 10, 13, 10, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{q: &fakeQueue{}, store: &memStore{}, now: tuesday10}
	exp := expand.New(model.TemplateConfig{Templates: map[string]string{"review": "Review: {{prompt}}"}}, "")
	h.e = New(h.q, exp, h.store, nil, logging.Discard())
	h.e.SetClock(func() time.Time { return h.now })
	h.e.SetLocation(time.UTC)
	h.e.SetEnabled(true)
	return h
}

func (h *harness) add(t *testing.T, in model.TimedEntry) model.TimedEntry {
	t.Helper()
	ent, err := h.e.AddEntry(in)
	require.NoError(t, err)
	return ent
}

func interval(prompt string, minutes int) model.TimedEntry {
	return model.TimedEntry{Name: prompt, Prompt: prompt, ScheduleMode: model.ScheduleModeInterval, IntervalMinutes: minutes}
}

func TestTick_IntervalFiresAndRespectsElapsed(t *testing.T) {
	h := newHarness(t)
	ent := h.add(t, interval("standup", 30))

	assert.Equal(t, 1, h.e.Tick(), "never sent fires immediately")
	require.Len(t, h.q.requests, 1)
	req := h.q.requests[0]
	assert.Equal(t, "timed:"+ent.ID, req.Template)
	assert.Equal(t, model.PromptTypeTimed, req.Type)
	assert.Equal(t, model.PromptStatusPending, req.InitialStatus)
	assert.Equal(t, ent.ID, req.TimedEntryID)

	h.q.drain()
	h.now = tuesday10.Add(29 * time.Minute)
	assert.Equal(t, 0, h.e.Tick())
	h.now = tuesday10.Add(30 * time.Minute)
	assert.Equal(t, 1, h.e.Tick())

	got, _ := h.e.Get(ent.ID)
	last, ok := model.ParseTime(got.LastSentAt)
	require.True(t, ok)
	assert.True(t, last.Equal(h.now))
}

func TestTick_DedupGuardSkipsWithoutStamping(t *testing.T) {
	h := newHarness(t)
	ent := h.add(t, interval("poll", 1))
	require.Equal(t, 1, h.e.Tick())
	first, _ := h.e.Get(ent.ID)

	h.now = tuesday10.Add(5 * time.Minute)
	assert.Equal(t, 0, h.e.Tick(), "pending timed:<id> item already queued")

	got, _ := h.e.Get(ent.ID)
	assert.Equal(t, first.LastSentAt, got.LastSentAt)
	assert.Len(t, h.q.requests, 1)
}

func TestTick_DisabledOrOutsideSlots(t *testing.T) {
	h := newHarness(t)
	h.add(t, interval("x", 5))

	h.e.SetEnabled(false)
	assert.Equal(t, 0, h.e.Tick())

	h.e.SetEnabled(true)
	require.NoError(t, h.e.SetSlots([]model.TimerScheduleSlot{
		{Name: "office", Kind: model.SlotKindWeekdays, Weekdays: []int{1, 2, 3, 4, 5}, From: "09:00", To: "17:00"},
	}))
	h.now = time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC) // Saturday
	assert.Equal(t, 0, h.e.Tick())
	h.now = time.Date(2026, 10, 13, 20, 0, 0, 0, time.UTC) // Tuesday evening
	assert.Equal(t, 0, h.e.Tick())
	h.now = tuesday10
	assert.Equal(t, 1, h.e.Tick())
}

func TestTick_ScheduledOncePerMinute(t *testing.T) {
	h := newHarness(t)
	ent := h.add(t, model.TimedEntry{
		Prompt: "daily", Template: "review", ScheduleMode: model.ScheduleModeScheduled,
		ScheduledTimes: []model.ScheduledTime{{Time: "10:00"}},
	})

	h.now = tuesday10.Add(-time.Minute)
	assert.Equal(t, 0, h.e.Tick())

	h.now = tuesday10.Add(5 * time.Second)
	assert.Equal(t, 1, h.e.Tick())
	assert.Equal(t, "Review: daily", h.q.requests[0].Text, "entry template applied at enqueue")

	h.q.drain()
	h.now = tuesday10.Add(35 * time.Second)
	assert.Equal(t, 0, h.e.Tick(), "same minute")

	h.now = tuesday10.Add(24 * time.Hour)
	assert.Equal(t, 1, h.e.Tick(), "recurring time fires the next day")
	got, _ := h.e.Get(ent.ID)
	assert.Equal(t, "2026-10-14T10:00", got.LastFiredMinute)
	assert.Equal(t, model.TimedEntryActive, got.Status)
}

func TestTick_OneShotFiresThenCompletes(t *testing.T) {
	h := newHarness(t)
	ent := h.add(t, model.TimedEntry{
		Prompt: "launch", ScheduleMode: model.ScheduleModeScheduled,
		ScheduledTimes: []model.ScheduledTime{{Time: "10:00", Date: "2026-10-13"}},
	})

	h.now = tuesday10.Add(-24 * time.Hour)
	assert.Equal(t, 0, h.e.Tick(), "wrong date")

	h.now = tuesday10
	assert.Equal(t, 1, h.e.Tick())
	got, _ := h.e.Get(ent.ID)
	assert.Equal(t, model.TimedEntryCompleted, got.Status)
	assert.False(t, got.Enabled)

	h.q.drain()
	h.now = tuesday10.Add(24 * time.Hour)
	assert.Equal(t, 0, h.e.Tick())
	assert.Equal(t, model.TimedEntryCompleted, h.store.doc.Entries[0].Status)
}

func TestTick_PassedOneShotCompletesWhileGated(t *testing.T) {
	h := newHarness(t)
	ent := h.add(t, model.TimedEntry{
		Prompt: "launch", ScheduleMode: model.ScheduleModeScheduled,
		ScheduledTimes: []model.ScheduledTime{{Time: "10:00", Date: "2026-10-13"}},
	})

	h.e.SetEnabled(false)
	h.now = tuesday10.Add(time.Hour)
	assert.Equal(t, 0, h.e.Tick())
	got, _ := h.e.Get(ent.ID)
	assert.Equal(t, model.TimedEntryCompleted, got.Status, "disabled timers still retire passed one-shots")
	assert.Empty(t, h.q.requests)

	h2 := newHarness(t)
	ent2 := h2.add(t, model.TimedEntry{
		Prompt: "launch", ScheduleMode: model.ScheduleModeScheduled,
		ScheduledTimes: []model.ScheduledTime{{Time: "10:00", Date: "2026-10-13"}},
	})
	require.NoError(t, h2.e.SetSlots([]model.TimerScheduleSlot{
		{Name: "office", Kind: model.SlotKindWeekdays, Weekdays: []int{1, 2, 3, 4, 5}, From: "09:00", To: "17:00"},
	}))
	h2.now = time.Date(2026, 10, 13, 20, 0, 0, 0, time.UTC)
	assert.Equal(t, 0, h2.e.Tick())
	got, _ = h2.e.Get(ent2.ID)
	assert.Equal(t, model.TimedEntryCompleted, got.Status, "outside slots")
	assert.Equal(t, model.TimedEntryCompleted, h2.store.doc.Entries[0].Status, "persisted")
	assert.Empty(t, h2.q.requests)
}

func TestTick_MixedTimesStayActive(t *testing.T) {
	h := newHarness(t)
	ent := h.add(t, model.TimedEntry{
		Prompt: "p", ScheduleMode: model.ScheduleModeScheduled,
		ScheduledTimes: []model.ScheduledTime{{Time: "08:00", Date: "2026-10-01"}, {Time: "09:00"}},
	})

	h.e.Tick()
	got, _ := h.e.Get(ent.ID)
	assert.Equal(t, model.TimedEntryActive, got.Status)
}

func TestTick_PanicInOneEntryDoesNotStopOthers(t *testing.T) {
	h := newHarness(t)
	h.q.panicOn = "bad"
	h.add(t, interval("bad entry", 5))
	good := h.add(t, interval("good entry", 5))

	assert.Equal(t, 1, h.e.Tick())
	require.Len(t, h.q.requests, 1)
	assert.Equal(t, good.ID, h.q.requests[0].TimedEntryID)
}

func TestTick_PausedAndDisabledEntriesSkipped(t *testing.T) {
	h := newHarness(t)
	ent := h.add(t, interval("x", 5))
	require.NoError(t, h.e.Pause(ent.ID))

	assert.Equal(t, 0, h.e.Tick())
}

func TestFireNow(t *testing.T) {
	h := newHarness(t)
	h.e.SetEnabled(false)
	ent := h.add(t, interval("manual", 60))
	require.NoError(t, h.e.Pause(ent.ID))

	fired, err := h.e.FireNow(ent.ID)
	require.NoError(t, err)
	assert.True(t, fired, "manual fire ignores schedule, global switch and pause")

	fired, err = h.e.FireNow(ent.ID)
	require.NoError(t, err)
	assert.False(t, fired, "dedup still applies")

	_, err = h.e.FireNow("tmr_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEditingRules(t *testing.T) {
	h := newHarness(t)
	ent := h.add(t, interval("x", 5))

	_, err := h.e.UpdateEntry(ent.ID, interval("y", 10))
	assert.ErrorIs(t, err, ErrNotEditable, "active accepts only pause")
	assert.ErrorIs(t, h.e.RemoveEntry(ent.ID), ErrNotEditable)
	assert.ErrorIs(t, h.e.Resume(ent.ID), ErrNotEditable)

	require.NoError(t, h.e.Pause(ent.ID))
	updated, err := h.e.UpdateEntry(ent.ID, interval("y", 10))
	require.NoError(t, err)
	assert.Equal(t, "y", updated.Prompt)
	assert.Equal(t, 10, updated.IntervalMinutes)
	assert.Equal(t, model.TimedEntryPaused, updated.Status)

	require.NoError(t, h.e.Resume(ent.ID))
	require.NoError(t, h.e.Pause(ent.ID))
	require.NoError(t, h.e.RemoveEntry(ent.ID))
	assert.ErrorIs(t, h.e.RemoveEntry(ent.ID), ErrNotFound)
	assert.ErrorIs(t, h.e.Pause(ent.ID), ErrNotFound)
}

func TestEditingRules_CompletedIsFrozen(t *testing.T) {
	h := newHarness(t)
	ent := h.add(t, model.TimedEntry{
		Prompt: "once", ScheduleMode: model.ScheduleModeScheduled,
		ScheduledTimes: []model.ScheduledTime{{Time: "08:00", Date: "2026-10-01"}},
	})
	h.e.Tick()

	assert.ErrorIs(t, h.e.Pause(ent.ID), ErrNotEditable)
	assert.ErrorIs(t, h.e.Resume(ent.ID), ErrNotEditable)
	_, err := h.e.UpdateEntry(ent.ID, interval("x", 1))
	assert.ErrorIs(t, err, ErrNotEditable)
	_, err = h.e.FireNow(ent.ID)
	assert.ErrorIs(t, err, ErrNotEditable)
	require.NoError(t, h.e.RemoveEntry(ent.ID))
}

func TestAddEntry_Validation(t *testing.T) {
	h := newHarness(t)
	bad := []model.TimedEntry{
		{Prompt: "", ScheduleMode: model.ScheduleModeInterval, IntervalMinutes: 5},
		{Prompt: "x", ScheduleMode: model.ScheduleModeInterval},
		{Prompt: "x", ScheduleMode: model.ScheduleModeScheduled},
		{Prompt: "x", ScheduleMode: model.ScheduleModeScheduled, ScheduledTimes: []model.ScheduledTime{{Time: "25:00"}}},
		{Prompt: "x", ScheduleMode: model.ScheduleModeScheduled, ScheduledTimes: []model.ScheduledTime{{Time: "10:00", Date: "13/10/2026"}}},
		{Prompt: "x", ScheduleMode: "cron"},
		{Prompt: "x", Template: "timed:abc", ScheduleMode: model.ScheduleModeInterval, IntervalMinutes: 5},
	}
	for i, in := range bad {
		_, err := h.e.AddEntry(in)
		assert.ErrorIs(t, err, ErrInvalidEntry, "case %d", i)
	}
	assert.Empty(t, h.e.Entries())
}

func TestSetSlots_Validation(t *testing.T) {
	h := newHarness(t)

	err := h.e.SetSlots([]model.TimerScheduleSlot{{Name: "bad", Kind: model.SlotKindWeekdays, Weekdays: []int{7}}})
	assert.ErrorIs(t, err, ErrInvalidEntry)
	assert.Empty(t, h.e.Slots())
}

func TestLoadAndPersist(t *testing.T) {
	h := newHarness(t)
	h.add(t, interval("persisted", 15))
	require.Positive(t, h.store.saves)

	reloaded := New(h.q, nil, h.store, nil, logging.Discard())
	require.NoError(t, reloaded.Load())
	assert.True(t, reloaded.Enabled())
	require.Len(t, reloaded.Entries(), 1)
	assert.Equal(t, "persisted", reloaded.Entries()[0].Prompt)
}
