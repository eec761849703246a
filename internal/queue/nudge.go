package queue

import (
	"errors"
	"fmt"

	"github.com/msageha/courier/internal/events"
	"github.com/msageha/courier/internal/model"
)

// ErrStale is returned when a reminder targets a dispatch that has moved on.
var ErrStale = errors.New("in-flight prompt changed")

// ReminderRequest asks the queue to place a reminder for the in-flight item.
// Epoch must equal the item's DispatchEpoch observed when the timeout was
// computed.
type ReminderRequest struct {
	PromptID   string
	Epoch      int
	Text       string
	TemplateID string
}

// QueueReminder marks the in-flight item as reminded and inserts a pending
// reminder item directly after it.
func (q *Queue) QueueReminder(req ReminderRequest) (model.QueuedPrompt, error) {
	id, err := model.GenerateID(model.IDTypePrompt)
	if err != nil {
		return model.QueuedPrompt{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexLocked(req.PromptID)
	if i < 0 {
		return model.QueuedPrompt{}, ErrNotFound
	}
	src := q.items[i]
	if src.Status != model.PromptStatusSending || src.DispatchEpoch != req.Epoch {
		return model.QueuedPrompt{}, fmt.Errorf("reminder for %s epoch %d: %w", req.PromptID, req.Epoch, ErrStale)
	}

	nowT := q.now()
	now := model.FormatTime(nowT)
	src.ReminderQueued = true
	src.ReminderSentCount++
	src.LastReminderAt = model.TimePtr(nowT)
	src.UpdatedAt = now

	r := &model.QueuedPrompt{
		ID:                 id,
		Status:             model.PromptStatusPending,
		Type:               model.PromptTypeReminder,
		OriginalText:       req.Text,
		ExpandedText:       req.Text,
		ReminderTemplateID: req.TemplateID,
		ReminderFor:        src.ID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	pos := i + 1
	q.insertLocked(r, &pos)
	q.commitLocked()
	q.publish(events.EventReminderQueued, map[string]interface{}{
		"prompt_id":     src.ID,
		"reminder_id":   r.ID,
		"reminder_sent": src.ReminderSentCount,
	})
	q.logger.Infof("reminder queued id=%s for=%s count=%d", r.ID, src.ID, src.ReminderSentCount)
	return r.Clone(), nil
}

// CheckTimeouts is the queue timeout-check tick: pending reminders for the
// in-flight item are forwarded as nudges and marked sent; reminders whose
// target is no longer in flight are dropped.
func (q *Queue) CheckTimeouts() int {
	q.mu.Lock()
	inflight := q.sendingLocked()
	var nudges []*dispatch
	kept := q.items[:0]
	changed := false
	for _, p := range q.items {
		if p.Type != model.PromptTypeReminder || p.Status != model.PromptStatusPending {
			kept = append(kept, p)
			continue
		}
		changed = true
		if inflight == nil || p.ReminderFor != inflight.ID {
			q.logger.Infof("drop orphaned reminder id=%s for=%s", p.ID, p.ReminderFor)
			continue
		}
		if err := model.ValidateReminderNudgeTransition(p.Status, model.PromptStatusSent); err != nil {
			kept = append(kept, p)
			continue
		}
		now := q.now()
		p.Status = model.PromptStatusSent
		p.SentAt = model.TimePtr(now)
		p.UpdatedAt = model.FormatTime(now)
		nudges = append(nudges, &dispatch{id: p.ID, text: p.ExpandedText, nudge: true})
		kept = append(kept, p)
	}
	q.items = kept
	if changed {
		q.commitLocked()
	}
	q.mu.Unlock()

	for _, d := range nudges {
		q.logger.Infof("nudge id=%s", d.id)
		q.forward(d)
	}
	return len(nudges)
}

// RemovePendingReminders drops every reminder item not yet delivered.
func (q *Queue) RemovePendingReminders() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.removePendingRemindersLocked()
	if n > 0 {
		q.commitLocked()
	}
	return n
}

func (q *Queue) removePendingRemindersLocked() int {
	kept := q.items[:0]
	removed := 0
	for _, p := range q.items {
		if p.Type == model.PromptTypeReminder && p.Status == model.PromptStatusPending {
			removed++
			continue
		}
		kept = append(kept, p)
	}
	q.items = kept
	return removed
}
