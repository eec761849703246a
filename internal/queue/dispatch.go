package queue

import (
	"context"
	"time"

	"github.com/msageha/courier/internal/events"
	"github.com/msageha/courier/internal/expand"
	"github.com/msageha/courier/internal/model"
)

// Forwarder delivers text to the chat surface. Delivery is fire-and-forget;
// completion is detected separately through the answer file.
type Forwarder interface {
	Forward(ctx context.Context, text string) error
}

// ForwarderFunc adapts a function to Forwarder.
type ForwarderFunc func(ctx context.Context, text string) error

func (f ForwarderFunc) Forward(ctx context.Context, text string) error { return f(ctx, text) }

// dispatch is a forward prepared under the lock and performed outside it.
type dispatch struct {
	id    string
	epoch int
	text  string
	// nudge forwards reminder text next to the in-flight item; failures
	// never touch the item's status.
	nudge bool
}

// sendNextLocked dispatches the first pending item when auto-send is on and
// nothing is in flight.
func (q *Queue) sendNextLocked() *dispatch {
	if !q.opts.AutoSend || q.closed || q.sendingLocked() != nil {
		return nil
	}
	for _, p := range q.items {
		if p.Status == model.PromptStatusPending && p.Type != model.PromptTypeReminder {
			return q.sendLocked(p)
		}
	}
	return nil
}

// sendLocked moves p to sending with a freshly expanded text and clears any
// stale answer file so residue from a previous dispatch cannot complete it.
func (q *Queue) sendLocked(p *model.QueuedPrompt) *dispatch {
	if err := model.ValidatePromptTransition(p.Status, model.PromptStatusSending); err != nil {
		q.logger.Warnf("send id=%s rejected: %v", p.ID, err)
		return nil
	}
	now := q.now()
	p.ExpandedText = q.expander.Expand(p.OriginalText, p.Template, p.AnswerWrapper)
	p.RequestID = expand.ExtractRequestID(p.ExpandedText)
	p.ExpectedRequestID = p.RequestID
	p.FollowUpIndex = 0
	p.ReminderSentCount = 0
	p.ReminderQueued = false
	p.LastReminderAt = nil
	p.Error = nil
	p.Status = model.PromptStatusSending
	p.SentAt = model.TimePtr(now)
	p.DispatchEpoch++
	p.UpdatedAt = model.FormatTime(now)
	q.removeAnswerFile()

	q.logger.Infof("dispatch id=%s request_id=%s epoch=%d", p.ID, p.ExpectedRequestID, p.DispatchEpoch)
	return &dispatch{id: p.ID, epoch: p.DispatchEpoch, text: p.ExpandedText}
}

// forward runs outside the queue lock. A failure marks the item error only
// if it is still sending under the same dispatch epoch; a later dispatch or
// a completed item is left alone.
func (q *Queue) forward(d *dispatch) {
	if d == nil || q.forwarder == nil {
		return
	}
	ctx := context.Background()
	if q.opts.ForwardTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.opts.ForwardTimeout)
		defer cancel()
	}

	err := q.forwarder.Forward(ctx, d.text)
	if err == nil {
		q.publish(events.EventPromptSent, map[string]interface{}{
			"prompt_id": d.id,
			"epoch":     d.epoch,
			"nudge":     d.nudge,
		})
		return
	}

	q.logger.Errorf("forward id=%s epoch=%d failed: %v", d.id, d.epoch, err)
	q.publish(events.EventDispatchFailed, map[string]interface{}{
		"prompt_id": d.id,
		"error":     err.Error(),
		"nudge":     d.nudge,
	})
	if d.nudge {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	p := q.findLocked(d.id)
	if p == nil || p.Status != model.PromptStatusSending || p.DispatchEpoch != d.epoch {
		q.logger.Debugf("forward failure for id=%s epoch=%d is stale", d.id, d.epoch)
		return
	}
	if err := model.ValidatePromptTransition(p.Status, model.PromptStatusError); err != nil {
		return
	}
	msg := err.Error()
	p.Status = model.PromptStatusError
	p.Error = &msg
	p.ExpectedRequestID = ""
	p.UpdatedAt = model.FormatTime(q.now())
	q.commitLocked()
}

// scheduleAdvanceLocked arms the delayed auto-advance. Only one is ever
// outstanding.
func (q *Queue) scheduleAdvanceLocked() {
	if !q.opts.AutoSend || q.closed || q.advancing {
		return
	}
	q.advancing = true
	q.advanceTimer = time.AfterFunc(q.opts.AutoAdvanceDelay, q.advance)
}

func (q *Queue) advance() {
	q.mu.Lock()
	q.advancing = false
	if q.closed {
		q.mu.Unlock()
		return
	}
	d := q.sendNextLocked()
	if d != nil {
		q.commitLocked()
	}
	q.mu.Unlock()

	q.forward(d)
}
