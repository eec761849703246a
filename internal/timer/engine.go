// Package timer owns timed entries and turns them into queue items when their
// interval elapses or their scheduled minute arrives.
package timer

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/msageha/courier/internal/events"
	"github.com/msageha/courier/internal/logging"
	"github.com/msageha/courier/internal/model"
	"github.com/msageha/courier/internal/queue"
	"github.com/msageha/courier/internal/schedule"
)

var (
	ErrNotFound     = errors.New("timed entry not found")
	ErrNotEditable  = errors.New("timed entry is not editable in its current status")
	ErrInvalidEntry = errors.New("invalid timed entry")
)

// Enqueuer is the slice of the prompt queue the engine needs.
type Enqueuer interface {
	Enqueue(queue.EnqueueRequest) (model.QueuedPrompt, error)
	HasPendingWithTemplate(template string) bool
}

// Wrapper applies a named prompt template; *expand.Expander implements it.
type Wrapper interface {
	Wrap(templateName, text string) string
}

type Persister interface {
	LoadTimers() (model.TimerEntries, error)
	SaveTimers(model.TimerEntries) error
}

type Engine struct {
	mu  sync.Mutex
	doc model.TimerEntries

	queue   Enqueuer
	wrapper Wrapper
	store   Persister
	bus     events.Publisher
	logger  *logging.Logger
	now     func() time.Time
	loc     *time.Location
}

func New(q Enqueuer, w Wrapper, store Persister, bus events.Publisher, logger *logging.Logger) *Engine {
	return &Engine{
		queue:   q,
		wrapper: w,
		store:   store,
		bus:     bus,
		logger:  logger,
		now:     time.Now,
		loc:     time.Local,
	}
}

// SetClock overrides the clock (for testing).
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// SetLocation sets the wall-clock zone schedules are written in.
func (e *Engine) SetLocation(loc *time.Location) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if loc != nil {
		e.loc = loc
	}
}

func (e *Engine) Load() error {
	doc, err := e.store.LoadTimers()
	if err != nil {
		return fmt.Errorf("load timers: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.doc = doc
	e.logger.Infof("loaded entries=%d enabled=%v slots=%d", len(doc.Entries), doc.Enabled, len(doc.Slots))
	return nil
}

// Tick fires every due entry and returns how many were enqueued. Nothing
// fires while timers are disabled or no slot allows the current time, but
// one-shot entries whose times have all passed are still completed.
func (e *Engine) Tick() int {
	e.mu.Lock()
	now := e.now().In(e.loc)
	if !e.doc.Enabled || !schedule.Allowed(e.doc.Slots, now) {
		if e.completeExhaustedLocked(now) {
			e.saveLocked()
		}
		enabled := e.doc.Enabled
		e.mu.Unlock()
		if enabled {
			e.logger.Debugf("tick outside allowed slots at %s", now.Format("Mon 15:04"))
		}
		return 0
	}
	var due []model.TimedEntry
	for i := range e.doc.Entries {
		ent := &e.doc.Entries[i]
		if ent.Status != model.TimedEntryActive || !ent.Enabled {
			continue
		}
		if e.isDue(ent, now) {
			due = append(due, *ent)
		}
	}
	e.mu.Unlock()

	fired := 0
	for _, ent := range due {
		if e.fire(ent, now) {
			fired++
		}
	}

	e.mu.Lock()
	if e.completeExhaustedLocked(now) {
		e.saveLocked()
	}
	e.mu.Unlock()
	return fired
}

// FireNow enqueues the entry immediately regardless of its schedule. It
// reports false when a pending item for the entry already exists.
func (e *Engine) FireNow(id string) (bool, error) {
	e.mu.Lock()
	ent := e.findLocked(id)
	if ent == nil {
		e.mu.Unlock()
		return false, ErrNotFound
	}
	if ent.Status == model.TimedEntryCompleted {
		e.mu.Unlock()
		return false, ErrNotEditable
	}
	snapshot := *ent
	now := e.now().In(e.loc)
	e.mu.Unlock()

	return e.fire(snapshot, now), nil
}

func (e *Engine) isDue(ent *model.TimedEntry, now time.Time) (due bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorf("evaluate entry=%s panic: %v", ent.ID, r)
			due = false
		}
	}()
	switch ent.ScheduleMode {
	case model.ScheduleModeInterval:
		var last *time.Time
		if t, ok := model.ParseTime(ent.LastSentAt); ok {
			last = &t
		}
		return schedule.IntervalDue(last, ent.IntervalMinutes, now)
	case model.ScheduleModeScheduled:
		return schedule.ScheduledDue(ent.ScheduledTimes, ent.LastFiredMinute, now)
	}
	return false
}

// fire enqueues one entry unless a pending item for it already exists. The
// entry's own template is applied here; the queue item is tagged timed:<id>.
func (e *Engine) fire(ent model.TimedEntry, now time.Time) (fired bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorf("fire entry=%s panic: %v", ent.ID, r)
			fired = false
		}
	}()
	tag := model.TimedTemplate(ent.ID)
	if e.queue.HasPendingWithTemplate(tag) {
		e.logger.Debugf("skip entry=%s: pending item exists", ent.ID)
		return false
	}
	text := ent.Prompt
	if e.wrapper != nil {
		text = e.wrapper.Wrap(ent.Template, ent.Prompt)
	}
	item, err := e.queue.Enqueue(queue.EnqueueRequest{
		Text:          text,
		Template:      tag,
		AnswerWrapper: ent.AnswerWrapper,
		InitialStatus: model.PromptStatusPending,
		Type:          model.PromptTypeTimed,
		TimedEntryID:  ent.ID,
	})
	if err != nil {
		e.logger.Warnf("enqueue entry=%s failed: %v", ent.ID, err)
		return false
	}

	e.mu.Lock()
	if cur := e.findLocked(ent.ID); cur != nil {
		cur.LastSentAt = model.TimePtr(now)
		if cur.ScheduleMode == model.ScheduleModeScheduled {
			cur.LastFiredMinute = schedule.MinuteKey(now)
		}
		cur.UpdatedAt = model.FormatTime(now)
		e.saveLocked()
	}
	e.mu.Unlock()

	e.logger.Infof("fired entry=%s name=%q prompt_id=%s", ent.ID, ent.Name, item.ID)
	if e.bus != nil {
		e.bus.Publish(events.EventTimerFired, map[string]interface{}{
			"entry_id":  ent.ID,
			"prompt_id": item.ID,
		})
	}
	return true
}

func (e *Engine) completeExhaustedLocked(now time.Time) bool {
	changed := false
	for i := range e.doc.Entries {
		ent := &e.doc.Entries[i]
		if ent.Status != model.TimedEntryActive || ent.ScheduleMode != model.ScheduleModeScheduled {
			continue
		}
		if !schedule.OneShotsExhausted(ent.ScheduledTimes, now) {
			continue
		}
		if err := model.ValidateTimedEntryTransition(ent.Status, model.TimedEntryCompleted); err != nil {
			continue
		}
		ent.Status = model.TimedEntryCompleted
		ent.Enabled = false
		ent.UpdatedAt = model.FormatTime(now)
		e.logger.Infof("entry=%s completed: all one-shot times passed", ent.ID)
		changed = true
	}
	return changed
}

// AddEntry stores a new active entry built from in's editable fields.
func (e *Engine) AddEntry(in model.TimedEntry) (model.TimedEntry, error) {
	if err := validateEntry(in); err != nil {
		return model.TimedEntry{}, err
	}
	id, err := model.GenerateID(model.IDTypeTimer)
	if err != nil {
		return model.TimedEntry{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := model.FormatTime(e.now())
	ent := model.TimedEntry{
		ID:        id,
		Status:    model.TimedEntryActive,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	copyEditable(&ent, in)
	e.doc.Entries = append(e.doc.Entries, ent)
	e.saveLocked()
	e.logger.Infof("add entry=%s mode=%s", ent.ID, ent.ScheduleMode)
	return ent, nil
}

// UpdateEntry edits a paused entry. Active and completed entries are rejected.
func (e *Engine) UpdateEntry(id string, in model.TimedEntry) (model.TimedEntry, error) {
	if err := validateEntry(in); err != nil {
		return model.TimedEntry{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ent := e.findLocked(id)
	if ent == nil {
		return model.TimedEntry{}, ErrNotFound
	}
	if ent.Status != model.TimedEntryPaused {
		return model.TimedEntry{}, fmt.Errorf("update %s in status %s: %w", id, ent.Status, ErrNotEditable)
	}
	copyEditable(ent, in)
	ent.LastFiredMinute = ""
	ent.UpdatedAt = model.FormatTime(e.now())
	e.saveLocked()
	return *ent, nil
}

func (e *Engine) Pause(id string) error {
	return e.transition(id, model.TimedEntryPaused)
}

func (e *Engine) Resume(id string) error {
	return e.transition(id, model.TimedEntryActive)
}

func (e *Engine) transition(id string, to model.TimedEntryStatus) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent := e.findLocked(id)
	if ent == nil {
		return ErrNotFound
	}
	if err := model.ValidateTimedEntryTransition(ent.Status, to); err != nil {
		return fmt.Errorf("%w: %v", ErrNotEditable, err)
	}
	ent.Status = to
	ent.UpdatedAt = model.FormatTime(e.now())
	e.saveLocked()
	e.logger.Infof("entry=%s → %s", id, to)
	return nil
}

// RemoveEntry deletes a paused or completed entry; active entries must be
// paused first.
func (e *Engine) RemoveEntry(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.doc.Entries {
		if e.doc.Entries[i].ID != id {
			continue
		}
		if e.doc.Entries[i].Status == model.TimedEntryActive {
			return fmt.Errorf("remove active entry %s: %w", id, ErrNotEditable)
		}
		e.doc.Entries = append(e.doc.Entries[:i], e.doc.Entries[i+1:]...)
		e.saveLocked()
		return nil
	}
	return ErrNotFound
}

// SetEnabled switches the whole engine on or off.
func (e *Engine) SetEnabled(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.doc.Enabled = on
	e.saveLocked()
}

func (e *Engine) SetSlots(slots []model.TimerScheduleSlot) error {
	for _, s := range slots {
		if err := schedule.ValidateSlot(s); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEntry, err)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.doc.Slots = append([]model.TimerScheduleSlot(nil), slots...)
	e.saveLocked()
	return nil
}

func (e *Engine) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc.Enabled
}

func (e *Engine) Slots() []model.TimerScheduleSlot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.TimerScheduleSlot(nil), e.doc.Slots...)
}

func (e *Engine) Entries() []model.TimedEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.TimedEntry, len(e.doc.Entries))
	for i, ent := range e.doc.Entries {
		ent.ScheduledTimes = append([]model.ScheduledTime(nil), ent.ScheduledTimes...)
		out[i] = ent
	}
	return out
}

func (e *Engine) Get(id string) (model.TimedEntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent := e.findLocked(id)
	if ent == nil {
		return model.TimedEntry{}, false
	}
	return *ent, true
}

func (e *Engine) findLocked(id string) *model.TimedEntry {
	for i := range e.doc.Entries {
		if e.doc.Entries[i].ID == id {
			return &e.doc.Entries[i]
		}
	}
	return nil
}

func (e *Engine) saveLocked() {
	if e.store == nil {
		return
	}
	doc := e.doc
	doc.Entries = append([]model.TimedEntry(nil), e.doc.Entries...)
	doc.Slots = append([]model.TimerScheduleSlot(nil), e.doc.Slots...)
	if err := e.store.SaveTimers(doc); err != nil {
		e.logger.Warnf("persist timers failed: %v", err)
	}
}

func copyEditable(dst *model.TimedEntry, in model.TimedEntry) {
	dst.Name = in.Name
	dst.Prompt = in.Prompt
	dst.Template = in.Template
	dst.AnswerWrapper = in.AnswerWrapper
	dst.ScheduleMode = in.ScheduleMode
	dst.IntervalMinutes = in.IntervalMinutes
	dst.ScheduledTimes = append([]model.ScheduledTime(nil), in.ScheduledTimes...)
}

func validateEntry(in model.TimedEntry) error {
	if strings.TrimSpace(in.Prompt) == "" {
		return fmt.Errorf("%w: prompt is empty", ErrInvalidEntry)
	}
	if strings.HasPrefix(in.Template, model.TimedTemplatePrefix) {
		return fmt.Errorf("%w: template %q is reserved", ErrInvalidEntry, in.Template)
	}
	switch in.ScheduleMode {
	case model.ScheduleModeInterval:
		if in.IntervalMinutes <= 0 {
			return fmt.Errorf("%w: interval_minutes must be positive", ErrInvalidEntry)
		}
	case model.ScheduleModeScheduled:
		if len(in.ScheduledTimes) == 0 {
			return fmt.Errorf("%w: scheduled_times is empty", ErrInvalidEntry)
		}
		for _, st := range in.ScheduledTimes {
			if _, err := schedule.ParseClock(st.Time); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidEntry, err)
			}
			if st.Date != "" {
				if _, err := schedule.ParseDate(st.Date); err != nil {
					return fmt.Errorf("%w: %v", ErrInvalidEntry, err)
				}
			}
		}
	default:
		return fmt.Errorf("%w: unknown schedule_mode %q", ErrInvalidEntry, in.ScheduleMode)
	}
	return nil
}
