// Package queue implements the single-consumer prompt dispatch state machine:
// at most one prompt is in flight, completion arrives out of band through the
// answer file, follow-ups chain on each answer and the next pending prompt is
// sent automatically.
package queue

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/msageha/courier/internal/events"
	"github.com/msageha/courier/internal/expand"
	"github.com/msageha/courier/internal/logging"
	"github.com/msageha/courier/internal/model"
)

var (
	ErrNotFound    = errors.New("prompt not found")
	ErrBusy        = errors.New("another prompt is already sending")
	ErrNotEditable = errors.New("prompt is not in an editable status")
	ErrEmptyText   = errors.New("prompt text is empty")
)

// Persister stores the queue document; *store.Store implements it.
type Persister interface {
	LoadQueue() (model.PromptQueue, error)
	SaveQueue(model.PromptQueue) error
}

type Options struct {
	AutoSend         bool
	AutoAdvanceDelay time.Duration
	MaxSentHistory   int
	MaxItems         int
	ForwardTimeout   time.Duration
	// AnswerPath is the completion-signal file; it is deleted before every
	// dispatch and after it has been consumed.
	AnswerPath string
	// ConsumedIDLimit bounds the memory of already-consumed request ids.
	ConsumedIDLimit int
}

func OptionsFromConfig(cfg model.Config, answerPath string) Options {
	cfg = cfg.WithDefaults()
	return Options{
		AutoSend:         cfg.Queue.AutoSend,
		AutoAdvanceDelay: time.Duration(cfg.Queue.AutoAdvanceDelayMs) * time.Millisecond,
		MaxSentHistory:   cfg.Queue.MaxSentHistory,
		MaxItems:         cfg.Queue.MaxItems,
		ForwardTimeout:   time.Duration(cfg.Forward.TimeoutSec) * time.Second,
		AnswerPath:       answerPath,
	}
}

// ReminderSettings is the per-item reminder override.
type ReminderSettings struct {
	Enabled        bool   `json:"enabled"`
	TemplateID     string `json:"template_id,omitempty"`
	TimeoutMinutes int    `json:"timeout_minutes,omitempty"`
	Repeat         bool   `json:"repeat,omitempty"`
}

type EnqueueRequest struct {
	Text          string                 `json:"text"`
	Template      string                 `json:"template,omitempty"`
	AnswerWrapper bool                   `json:"answer_wrapper,omitempty"`
	FollowUps     []model.FollowUpPrompt `json:"follow_ups,omitempty"`
	// Position is the insertion index; nil appends. Out-of-range values are clamped.
	Position      *int               `json:"position,omitempty"`
	DeferSend     bool               `json:"defer_send,omitempty"`
	InitialStatus model.PromptStatus `json:"initial_status,omitempty"`
	Type          model.PromptType   `json:"type,omitempty"`
	TimedEntryID  string             `json:"timed_entry_id,omitempty"`
	Reminder      *ReminderSettings  `json:"reminder,omitempty"`
}

// SendSelector picks an item by id or by the request id it carries.
type SendSelector struct {
	ID        string `json:"id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type Queue struct {
	mu    sync.Mutex
	items []*model.QueuedPrompt

	opts      Options
	forwarder Forwarder
	expander  *expand.Expander
	store     Persister
	bus       events.Publisher
	logger    *logging.Logger
	now       func() time.Time

	consumed      map[string]bool
	consumedOrder []string

	advancing    bool
	advanceTimer *time.Timer
	closed       bool
}

func New(opts Options, fwd Forwarder, exp *expand.Expander, store Persister, bus events.Publisher, logger *logging.Logger) *Queue {
	if opts.ConsumedIDLimit <= 0 {
		opts.ConsumedIDLimit = 1000
	}
	return &Queue{
		opts:      opts,
		forwarder: fwd,
		expander:  exp,
		store:     store,
		bus:       bus,
		logger:    logger,
		now:       time.Now,
		consumed:  make(map[string]bool),
	}
}

// SetClock overrides the clock (for testing).
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// SetAutoSend toggles automatic dispatch of pending items.
func (q *Queue) SetAutoSend(on bool) {
	q.mu.Lock()
	q.opts.AutoSend = on
	var d *dispatch
	if on {
		d = q.sendNextLocked()
		if d != nil {
			q.commitLocked()
		}
	}
	q.mu.Unlock()
	q.forward(d)
}

func (q *Queue) AutoSend() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.opts.AutoSend
}

// Load replaces the in-memory queue with the persisted document. Items left
// sending by a previous run go back to pending and their pending reminders
// are dropped.
func (q *Queue) Load() error {
	doc, err := q.store.LoadQueue()
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = q.items[:0]
	for i := range doc.Prompts {
		p := doc.Prompts[i]
		if p.Status == model.PromptStatusSending {
			if err := model.ValidatePromptTransition(p.Status, model.PromptStatusPending); err == nil {
				q.logger.Infof("recover id=%s sending→pending", p.ID)
				p.Status = model.PromptStatusPending
				p.ExpectedRequestID = ""
				p.ReminderQueued = false
			}
		}
		if !model.ValidPromptStatus(p.Status) {
			q.logger.Warnf("drop id=%s invalid status=%q", p.ID, p.Status)
			continue
		}
		q.items = append(q.items, &p)
	}
	q.removePendingRemindersLocked()
	q.commitLocked()
	q.logger.Infof("loaded items=%d", len(q.items))
	return nil
}

// Close stops the delayed auto-advance. Forwards already running finish on
// their own deadline.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	if q.advanceTimer != nil {
		q.advanceTimer.Stop()
	}
	q.advancing = false
}

func (q *Queue) Enqueue(req EnqueueRequest) (model.QueuedPrompt, error) {
	if req.Text == "" {
		return model.QueuedPrompt{}, ErrEmptyText
	}
	status := req.InitialStatus
	if status == "" {
		status = model.PromptStatusPending
		if req.DeferSend {
			status = model.PromptStatusStaged
		}
	}
	if !model.IsCallerSettable(status) {
		return model.QueuedPrompt{}, fmt.Errorf("initial status %q: %w", status, ErrNotEditable)
	}
	ptype := req.Type
	if ptype == "" {
		ptype = model.PromptTypeNormal
	}
	id, err := model.GenerateID(model.IDTypePrompt)
	if err != nil {
		return model.QueuedPrompt{}, err
	}

	q.mu.Lock()
	now := model.FormatTime(q.now())
	p := &model.QueuedPrompt{
		ID:              id,
		Status:          status,
		Type:            ptype,
		OriginalText:    req.Text,
		Template:        req.Template,
		AnswerWrapper:   req.AnswerWrapper,
		FollowUps:       withFollowUpIDs(req.FollowUps),
		ReminderEnabled: ptype != model.PromptTypeReminder,
		TimedEntryID:    req.TimedEntryID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if req.Reminder != nil {
		applyReminder(p, *req.Reminder)
	}
	q.previewLocked(p)
	q.insertLocked(p, req.Position)

	var d *dispatch
	if !req.DeferSend {
		d = q.sendNextLocked()
	}
	q.commitLocked()
	q.logger.Infof("enqueue id=%s status=%s type=%s", p.ID, p.Status, p.Type)
	q.mu.Unlock()

	q.forward(d)
	if got, ok := q.Get(id); ok {
		return got, nil
	}
	// trimmed away by the item cap
	return p.Clone(), nil
}

func (q *Queue) UpdateText(id, text string) bool {
	if text == "" {
		return false
	}
	return q.editStaged(id, func(p *model.QueuedPrompt) {
		p.OriginalText = text
		q.previewLocked(p)
	})
}

func (q *Queue) UpdateTemplate(id, template string, answerWrapper bool) bool {
	return q.editStaged(id, func(p *model.QueuedPrompt) {
		p.Template = template
		p.AnswerWrapper = answerWrapper
		q.previewLocked(p)
	})
}

func (q *Queue) UpdateReminder(id string, rs ReminderSettings) bool {
	return q.editStaged(id, func(p *model.QueuedPrompt) {
		applyReminder(p, rs)
	})
}

// SetStatus flips an item between staged and pending. Anything else is
// rejected with false.
func (q *Queue) SetStatus(id string, status model.PromptStatus) bool {
	if !model.IsCallerSettable(status) {
		return false
	}
	q.mu.Lock()
	p := q.findLocked(id)
	if p == nil || !model.IsCallerSettable(p.Status) {
		q.mu.Unlock()
		return false
	}
	if p.Status != status {
		if err := model.ValidatePromptTransition(p.Status, status); err != nil {
			q.mu.Unlock()
			return false
		}
		p.Status = status
		p.UpdatedAt = model.FormatTime(q.now())
	}
	var d *dispatch
	if status == model.PromptStatusPending {
		d = q.sendNextLocked()
	}
	q.commitLocked()
	q.mu.Unlock()

	q.forward(d)
	return true
}

// SendNow force-dispatches a staged or pending item out of order.
func (q *Queue) SendNow(id string) error {
	q.mu.Lock()
	p := q.findLocked(id)
	if p == nil {
		q.mu.Unlock()
		return ErrNotFound
	}
	if q.sendingLocked() != nil {
		q.mu.Unlock()
		return ErrBusy
	}
	if !model.IsCallerSettable(p.Status) || p.Type == model.PromptTypeReminder {
		q.mu.Unlock()
		return fmt.Errorf("send %s in status %s: %w", id, p.Status, ErrNotEditable)
	}
	d := q.sendLocked(p)
	q.commitLocked()
	q.mu.Unlock()

	q.forward(d)
	return nil
}

func (q *Queue) SendQueuedPrompt(sel SendSelector) error {
	if sel.ID != "" {
		return q.SendNow(sel.ID)
	}
	if sel.RequestID == "" {
		return ErrNotFound
	}
	q.mu.Lock()
	var id string
	for _, p := range q.items {
		if model.IsCallerSettable(p.Status) && p.RequestID == sel.RequestID {
			id = p.ID
			break
		}
	}
	q.mu.Unlock()
	if id == "" {
		return ErrNotFound
	}
	return q.SendNow(id)
}

// Remove deletes any item except the one in flight.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, p := range q.items {
		if p.ID != id {
			continue
		}
		if p.Status == model.PromptStatusSending {
			return false
		}
		q.items = append(q.items[:i], q.items[i+1:]...)
		q.commitLocked()
		return true
	}
	return false
}

func (q *Queue) Move(id, direction string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(id)
	if i < 0 {
		return false
	}
	j := i - 1
	switch direction {
	case "up":
	case "down":
		j = i + 1
	default:
		return false
	}
	if j < 0 || j >= len(q.items) {
		return false
	}
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.commitLocked()
	return true
}

// ClearByStatus removes every item in status. The sending item is never removed.
func (q *Queue) ClearByStatus(status model.PromptStatus) int {
	if status == model.PromptStatusSending {
		return 0
	}
	return q.removeWhere(func(p *model.QueuedPrompt) bool { return p.Status == status })
}

// ClearAll removes everything except the item in flight.
func (q *Queue) ClearAll() int {
	return q.removeWhere(func(p *model.QueuedPrompt) bool { return p.Status != model.PromptStatusSending })
}

func (q *Queue) AddFollowUp(id string, fu model.FollowUpPrompt) (string, bool) {
	if fu.Text == "" {
		return "", false
	}
	if fu.ID == "" {
		fu.ID = model.MustGenerateID(model.IDTypeFollowUp)
	}
	ok := q.editStaged(id, func(p *model.QueuedPrompt) {
		p.FollowUps = append(p.FollowUps, fu)
	})
	if !ok {
		return "", false
	}
	return fu.ID, true
}

func (q *Queue) UpdateFollowUp(id, followUpID string, fu model.FollowUpPrompt) bool {
	if fu.Text == "" {
		return false
	}
	var found bool
	ok := q.editStaged(id, func(p *model.QueuedPrompt) {
		for i := range p.FollowUps {
			if p.FollowUps[i].ID == followUpID {
				fu.ID = followUpID
				p.FollowUps[i] = fu
				found = true
				return
			}
		}
	})
	return ok && found
}

func (q *Queue) RemoveFollowUp(id, followUpID string) bool {
	var found bool
	ok := q.editStaged(id, func(p *model.QueuedPrompt) {
		for i := range p.FollowUps {
			if p.FollowUps[i].ID == followUpID {
				p.FollowUps = append(p.FollowUps[:i], p.FollowUps[i+1:]...)
				found = true
				return
			}
		}
	})
	return ok && found
}

// Items returns a snapshot of the queue in order.
func (q *Queue) Items() []model.QueuedPrompt {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.QueuedPrompt, len(q.items))
	for i, p := range q.items {
		out[i] = p.Clone()
	}
	return out
}

func (q *Queue) Get(id string) (model.QueuedPrompt, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p := q.findLocked(id)
	if p == nil {
		return model.QueuedPrompt{}, false
	}
	return p.Clone(), true
}

// InFlight returns the item currently sending, if any.
func (q *Queue) InFlight() (model.QueuedPrompt, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p := q.sendingLocked()
	if p == nil {
		return model.QueuedPrompt{}, false
	}
	return p.Clone(), true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Counts() map[model.PromptStatus]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := make(map[model.PromptStatus]int)
	for _, p := range q.items {
		counts[p.Status]++
	}
	return counts
}

// HasPendingWithTemplate reports whether a pending item carries template;
// the timer engine uses it with the timed:<entryId> tag as its dedup guard.
func (q *Queue) HasPendingWithTemplate(template string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range q.items {
		if p.Status == model.PromptStatusPending && p.Template == template {
			return true
		}
	}
	return false
}

// --- internal helpers (caller holds q.mu) ---

func (q *Queue) editStaged(id string, fn func(*model.QueuedPrompt)) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	p := q.findLocked(id)
	if p == nil || p.Status != model.PromptStatusStaged {
		return false
	}
	fn(p)
	p.UpdatedAt = model.FormatTime(q.now())
	q.commitLocked()
	return true
}

func (q *Queue) removeWhere(match func(*model.QueuedPrompt) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	removed := 0
	for _, p := range q.items {
		if p.Status != model.PromptStatusSending && match(p) {
			removed++
			continue
		}
		kept = append(kept, p)
	}
	q.items = kept
	if removed > 0 {
		q.commitLocked()
	}
	return removed
}

func (q *Queue) previewLocked(p *model.QueuedPrompt) {
	p.ExpandedText = q.expander.Expand(p.OriginalText, p.Template, p.AnswerWrapper)
	p.RequestID = expand.ExtractRequestID(p.ExpandedText)
}

func (q *Queue) insertLocked(p *model.QueuedPrompt, position *int) {
	if position == nil || *position >= len(q.items) {
		q.items = append(q.items, p)
		return
	}
	pos := *position
	if pos < 0 {
		pos = 0
	}
	q.items = append(q.items, nil)
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = p
}

func (q *Queue) findLocked(id string) *model.QueuedPrompt {
	if i := q.indexLocked(id); i >= 0 {
		return q.items[i]
	}
	return nil
}

func (q *Queue) indexLocked(id string) int {
	for i, p := range q.items {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) sendingLocked() *model.QueuedPrompt {
	for _, p := range q.items {
		if p.Status == model.PromptStatusSending {
			return p
		}
	}
	return nil
}

// commitLocked trims history, persists and announces the change. A failed
// write is logged; memory stays authoritative.
func (q *Queue) commitLocked() {
	q.trimLocked()
	if q.store != nil {
		doc := model.PromptQueue{Prompts: make([]model.QueuedPrompt, len(q.items))}
		for i, p := range q.items {
			doc.Prompts[i] = p.Clone()
		}
		if err := q.store.SaveQueue(doc); err != nil {
			q.logger.Warnf("persist queue failed: %v", err)
		}
	}
	q.publish(events.EventQueueChanged, map[string]interface{}{"items": len(q.items)})
}

func (q *Queue) publish(t events.EventType, data map[string]interface{}) {
	if q.bus != nil {
		q.bus.Publish(t, data)
	}
}

func (q *Queue) removeAnswerFile() {
	if q.opts.AnswerPath == "" {
		return
	}
	if err := os.Remove(q.opts.AnswerPath); err != nil && !os.IsNotExist(err) {
		q.logger.Warnf("remove answer file failed: %v", err)
	}
}

func applyReminder(p *model.QueuedPrompt, rs ReminderSettings) {
	p.ReminderEnabled = rs.Enabled
	p.ReminderTemplateID = rs.TemplateID
	p.ReminderTimeoutMinutes = rs.TimeoutMinutes
	p.ReminderRepeat = rs.Repeat
}

func withFollowUpIDs(fus []model.FollowUpPrompt) []model.FollowUpPrompt {
	if len(fus) == 0 {
		return nil
	}
	out := make([]model.FollowUpPrompt, 0, len(fus))
	for _, fu := range fus {
		if fu.Text == "" {
			continue
		}
		if fu.ID == "" {
			fu.ID = model.MustGenerateID(model.IDTypeFollowUp)
		}
		out = append(out, fu)
	}
	return out
}
