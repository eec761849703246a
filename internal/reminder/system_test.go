package reminder

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/courier/internal/events"
	"github.com/msageha/courier/internal/expand"
	"github.com/msageha/courier/internal/logging"
	"github.com/msageha/courier/internal/model"
	"github.com/msageha/courier/internal/queue"
)

var t0 = time.Date(2026, 10, 13, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type memStore struct {
	doc model.ReminderTemplates
}

func (m *memStore) LoadReminders() (model.ReminderTemplates, error) { return m.doc, nil }
func (m *memStore) SaveReminders(doc model.ReminderTemplates) error {
	m.doc = doc
	return nil
}

type fakeNotifier struct{ messages []string }

func (f *fakeNotifier) Notify(title, message string) error {
	f.messages = append(f.messages, title+": "+message)
	return nil
}

type harness struct {
	q     *queue.Queue
	s     *System
	clock *clock
	store *memStore
	sent  []string
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{clock: &clock{now: t0}, store: &memStore{}}
	exp := expand.New(model.TemplateConfig{}, "")
	fwd := queue.ForwarderFunc(func(_ context.Context, text string) error {
		h.sent = append(h.sent, text)
		return nil
	})
	h.q = queue.New(queue.Options{AutoSend: true, AutoAdvanceDelay: time.Hour, MaxSentHistory: 10, MaxItems: 50},
		fwd, exp, nil, nil, logging.Discard())
	h.q.SetClock(h.clock.Now)
	t.Cleanup(h.q.Close)

	opts := Options{Enabled: true, DefaultTimeoutMinutes: 10, PromptTruncateRunes: 200}
	for _, m := range mutate {
		m(&opts)
	}
	h.s = New(opts, h.q, h.store, logging.Discard())
	h.s.SetClock(h.clock.Now)
	require.NoError(t, h.s.Load())
	return h
}

func (h *harness) send(t *testing.T, req queue.EnqueueRequest) model.QueuedPrompt {
	t.Helper()
	p, err := h.q.Enqueue(req)
	require.NoError(t, err)
	require.Equal(t, model.PromptStatusSending, p.Status)
	return p
}

func reminderItems(q *queue.Queue) []model.QueuedPrompt {
	var out []model.QueuedPrompt
	for _, p := range q.Items() {
		if p.Type == model.PromptTypeReminder {
			out = append(out, p)
		}
	}
	return out
}

func TestTick_TimeoutBoundary(t *testing.T) {
	h := newHarness(t)
	p := h.send(t, queue.EnqueueRequest{Text: "build it", Reminder: &queue.ReminderSettings{Enabled: true, TimeoutMinutes: 5}})

	h.clock.Set(t0.Add(4*time.Minute + 59*time.Second))
	assert.False(t, h.s.Tick())
	assert.Empty(t, reminderItems(h.q))

	h.clock.Set(t0.Add(5*time.Minute + 1*time.Second))
	assert.True(t, h.s.Tick())
	assert.False(t, h.s.Tick(), "exactly one")
	h.clock.Set(t0.Add(30 * time.Minute))
	assert.False(t, h.s.Tick(), "no repeat configured")

	rs := reminderItems(h.q)
	require.Len(t, rs, 1)
	assert.Equal(t, p.ID, rs[0].ReminderFor)
	items := h.q.Items()
	assert.Equal(t, rs[0].ID, items[1].ID, "inserted right after the in-flight item")
}

func TestTick_SubSecondSentAt(t *testing.T) {
	h := newHarness(t)
	sentAt := t0.Add(600 * time.Millisecond)
	h.clock.Set(sentAt)
	p := h.send(t, queue.EnqueueRequest{Text: "x", Reminder: &queue.ReminderSettings{Enabled: true, TimeoutMinutes: 5}})
	require.NotNil(t, p.SentAt)
	assert.Equal(t, "2026-10-13T09:00:00.6Z", *p.SentAt)

	h.clock.Set(sentAt.Add(5*time.Minute - 300*time.Millisecond))
	assert.False(t, h.s.Tick(), "4m59.7s after dispatch")

	h.clock.Set(sentAt.Add(5*time.Minute + 300*time.Millisecond))
	assert.True(t, h.s.Tick())
}

func TestTick_ExactTimeoutDoesNotFire(t *testing.T) {
	h := newHarness(t)
	h.send(t, queue.EnqueueRequest{Text: "x", Reminder: &queue.ReminderSettings{Enabled: true, TimeoutMinutes: 5}})

	h.clock.Set(t0.Add(5 * time.Minute))
	assert.False(t, h.s.Tick())
}

func TestTick_RenderedPlaceholders(t *testing.T) {
	h := newHarness(t)
	tpl, err := h.s.AddTemplate("all", strings.Join([]string{
		"{{timeoutMinutes}}", "{{waitingMinutes}}", "{{originalPrompt}}", "{{followUpIndex}}",
		"{{followUpTotal}}", "{{sentAt}}", "{{followUpText}}", "{{promptId}}", "{{promptType}}",
		"{{status}}", "{{template}}", "{{requestId}}", "{{expectedRequestId}}", "{{createdAt}}",
		"{{reminderSentCount}}", "{{queueLength}}", "{{unknown}}",
	}, "|"), false)
	require.NoError(t, err)
	p := h.send(t, queue.EnqueueRequest{
		Text:      "deploy requestId=req-9",
		FollowUps: []model.FollowUpPrompt{{Text: "verify"}},
		Reminder:  &queue.ReminderSettings{Enabled: true, TimeoutMinutes: 3, TemplateID: tpl.ID},
	})

	h.clock.Set(t0.Add(7 * time.Minute))
	require.True(t, h.s.Tick())

	rs := reminderItems(h.q)
	require.Len(t, rs, 1)
	want := strings.Join([]string{
		"3", "7", "deploy requestId=req-9", "0", "1", "2026-10-13T09:00:00Z", "", p.ID, "normal",
		"sending", "", "req-9", "req-9", p.CreatedAt, "1", "1", "{{unknown}}",
	}, "|")
	assert.Equal(t, want, rs[0].OriginalText)
	assert.Equal(t, tpl.ID, rs[0].ReminderTemplateID)
}

func TestTick_Repeat(t *testing.T) {
	h := newHarness(t)
	p := h.send(t, queue.EnqueueRequest{Text: "x", Reminder: &queue.ReminderSettings{Enabled: true, TimeoutMinutes: 5, Repeat: true}})

	h.clock.Set(t0.Add(5*time.Minute + time.Second))
	require.True(t, h.s.Tick())
	h.clock.Set(t0.Add(10*time.Minute + time.Second))
	assert.False(t, h.s.Tick(), "gated by last reminder + timeout")
	h.clock.Set(t0.Add(10*time.Minute + 2*time.Second))
	assert.True(t, h.s.Tick())

	got, _ := h.q.Get(p.ID)
	assert.Equal(t, 2, got.ReminderSentCount)
}

func TestTick_GlobalRepeat(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Repeat = true })
	h.send(t, queue.EnqueueRequest{Text: "x", Reminder: &queue.ReminderSettings{Enabled: true, TimeoutMinutes: 1}})

	h.clock.Set(t0.Add(61 * time.Second))
	require.True(t, h.s.Tick())
	h.clock.Set(t0.Add(122 * time.Second))
	assert.True(t, h.s.Tick())
}

func TestTick_Suppressed(t *testing.T) {
	tests := []struct {
		name     string
		opts     func(*Options)
		reminder *queue.ReminderSettings
	}{
		{"sentinel template", nil, &queue.ReminderSettings{Enabled: true, TemplateID: model.NoReminderTemplateID}},
		{"item disabled", nil, &queue.ReminderSettings{Enabled: false}},
		{"system disabled", func(o *Options) { o.Enabled = false }, nil},
		{"global sentinel", func(o *Options) { o.DefaultTemplateID = model.NoReminderTemplateID }, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mut []func(*Options)
			if tt.opts != nil {
				mut = append(mut, tt.opts)
			}
			h := newHarness(t, mut...)
			h.send(t, queue.EnqueueRequest{Text: "x", Reminder: tt.reminder})
			h.clock.Set(t0.Add(time.Hour))
			assert.False(t, h.s.Tick())
		})
	}
}

func TestTick_NothingInFlight(t *testing.T) {
	h := newHarness(t)
	assert.False(t, h.s.Tick())
}

func TestTick_FollowUpOverrides(t *testing.T) {
	h := newHarness(t)
	custom, err := h.s.AddTemplate("step", "step {{followUpIndex}}/{{followUpTotal}}: {{followUpText}}", false)
	require.NoError(t, err)
	h.send(t, queue.EnqueueRequest{Text: "x", FollowUps: []model.FollowUpPrompt{
		{Text: "check logs", ReminderTimeoutMinutes: 2, ReminderTemplateID: custom.ID},
	}})

	h.clock.Set(t0.Add(time.Minute))
	require.True(t, h.q.HandleSignal(queue.Signal{}))

	h.clock.Set(t0.Add(3 * time.Minute))
	assert.False(t, h.s.Tick(), "2m since follow-up went out")
	h.clock.Set(t0.Add(3*time.Minute + time.Second))
	require.True(t, h.s.Tick())

	rs := reminderItems(h.q)
	require.Len(t, rs, 1)
	assert.Equal(t, "step 1/1: check logs", rs[0].OriginalText)
}

func TestTick_UnknownTemplateFallsBackToDefault(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.DefaultTemplateID = "rtpl_gone" })
	h.send(t, queue.EnqueueRequest{Text: "x"})

	h.clock.Set(t0.Add(11 * time.Minute))
	require.True(t, h.s.Tick())
	rs := reminderItems(h.q)
	require.Len(t, rs, 1)
	assert.Equal(t, "rtpl_default", rs[0].ReminderTemplateID)
	assert.Contains(t, rs[0].OriginalText, "No answer received for 11 minutes")
}

func TestTick_TruncatesOriginalPrompt(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.PromptTruncateRunes = 5 })
	_, err := h.s.AddTemplate("short", "[{{originalPrompt}}]", true)
	require.NoError(t, err)
	h.send(t, queue.EnqueueRequest{Text: "日本語のプロンプト"})

	h.clock.Set(t0.Add(11 * time.Minute))
	require.True(t, h.s.Tick())
	assert.Equal(t, "[日本語のプ]", reminderItems(h.q)[0].OriginalText)
}

func TestTick_NotifiesAndNudgeDelivery(t *testing.T) {
	h := newHarness(t)
	n := &fakeNotifier{}
	h.s.SetNotifier(n)
	h.send(t, queue.EnqueueRequest{Text: "x"})

	h.clock.Set(t0.Add(11 * time.Minute))
	require.True(t, h.s.Tick())
	require.Len(t, n.messages, 1)
	assert.Contains(t, n.messages[0], "No answer for 11 min")

	assert.Equal(t, 1, h.q.CheckTimeouts())
	require.Len(t, h.sent, 2)
	assert.Contains(t, h.sent[1], "No answer received")
}

func TestAttach_CancelsOnAnswerEvent(t *testing.T) {
	h := newHarness(t)
	bus := events.NewBus(8)
	defer bus.Close()
	unsub := h.s.Attach(bus)
	defer unsub()
	h.send(t, queue.EnqueueRequest{Text: "x"})
	h.clock.Set(t0.Add(11 * time.Minute))
	require.True(t, h.s.Tick())
	require.Len(t, reminderItems(h.q), 1)

	bus.Publish(events.EventAnswerReceived, map[string]interface{}{"prompt_id": "any"})

	require.Eventually(t, func() bool { return len(reminderItems(h.q)) == 0 }, time.Second, 5*time.Millisecond)
}

func TestTemplates_DefaultInvariant(t *testing.T) {
	h := newHarness(t)
	require.Len(t, h.s.Templates(), 1, "seeded")
	assert.True(t, h.s.Templates()[0].IsDefault)

	a, err := h.s.AddTemplate("a", "A", false)
	require.NoError(t, err)
	b, err := h.s.AddTemplate("b", "B", true)
	require.NoError(t, err)
	assertSingleDefault(t, h.s, b.ID)

	require.NoError(t, h.s.SetDefault(a.ID))
	assertSingleDefault(t, h.s, a.ID)
	assert.ErrorIs(t, h.s.SetDefault("rtpl_missing"), ErrNotFound)

	require.NoError(t, h.s.RemoveTemplate(a.ID))
	assertSingleDefault(t, h.s, "rtpl_default")

	require.NoError(t, h.s.UpdateTemplate(b.ID, "b2", "B2"))
	got, ok := h.s.Get(b.ID)
	require.True(t, ok)
	assert.Equal(t, "B2", got.PromptText)
	assert.ErrorIs(t, h.s.UpdateTemplate(b.ID, "b", " "), ErrEmptyText)

	require.NoError(t, h.s.RemoveTemplate("rtpl_default"))
	assertSingleDefault(t, h.s, b.ID)
	assert.ErrorIs(t, h.s.RemoveTemplate(b.ID), ErrLastTemplate)
	assert.ErrorIs(t, h.s.RemoveTemplate("rtpl_missing"), ErrNotFound)

	_, err = h.s.AddTemplate("empty", "", false)
	assert.ErrorIs(t, err, ErrEmptyText)
	assert.Len(t, h.store.doc.Templates, 1, "persisted")
}

func TestLoad_RepairsDefaults(t *testing.T) {
	h := newHarness(t)
	h.store.doc = model.ReminderTemplates{Templates: []model.ReminderTemplate{
		{ID: "rtpl_a", PromptText: "a", IsDefault: true},
		{ID: "rtpl_b", PromptText: "b", IsDefault: true},
	}}
	require.NoError(t, h.s.Load())
	assertSingleDefault(t, h.s, "rtpl_a")

	h.store.doc = model.ReminderTemplates{Templates: []model.ReminderTemplate{
		{ID: "rtpl_a", PromptText: "a"}, {ID: "rtpl_b", PromptText: "b"},
	}}
	require.NoError(t, h.s.Load())
	assertSingleDefault(t, h.s, "rtpl_a")
}

func assertSingleDefault(t *testing.T, s *System, wantID string) {
	t.Helper()
	var defaults []string
	for _, tpl := range s.Templates() {
		if tpl.IsDefault {
			defaults = append(defaults, tpl.ID)
		}
	}
	assert.Equal(t, []string{wantID}, defaults)
}
