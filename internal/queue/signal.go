package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/msageha/courier/internal/events"
	"github.com/msageha/courier/internal/expand"
	"github.com/msageha/courier/internal/model"
)

// Signal is the completion payload written by the chat surface. Fields other
// than requestId and responseValues are ignored.
type Signal struct {
	RequestID      string                 `json:"requestId,omitempty"`
	ResponseValues map[string]interface{} `json:"responseValues,omitempty"`
}

// ParseSignal decodes an answer file body. Only a JSON object is a signal.
func ParseSignal(data []byte) (Signal, bool) {
	trimmed := strings.TrimSpace(string(data))
	if !strings.HasPrefix(trimmed, "{") {
		return Signal{}, false
	}
	var sig Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		return Signal{}, false
	}
	sig.RequestID = strings.TrimSpace(sig.RequestID)
	return sig, true
}

// HandleAnswerFile reads and consumes the answer file. A missing or
// unparsable file is a no-op and is left in place, since the writer may not
// have finished; a parsed file is deleted whether or not it matched.
func (q *Queue) HandleAnswerFile() bool {
	if q.opts.AnswerPath == "" {
		return false
	}
	data, err := os.ReadFile(q.opts.AnswerPath)
	if err != nil {
		if !os.IsNotExist(err) {
			q.logger.Warnf("read answer file failed: %v", err)
		}
		return false
	}
	sig, ok := ParseSignal(data)
	if !ok {
		q.logger.Debugf("answer file not parseable yet, size=%d", len(data))
		return false
	}
	handled := q.HandleSignal(sig)
	if !handled {
		q.removeAnswerFile()
	}
	return handled
}

// HandleSignal matches a completion payload to the in-flight item and
// advances it: the next follow-up is dispatched, or the item is marked sent.
// A payload whose request id was already consumed is ignored unless the
// in-flight item expects that same id again.
func (q *Queue) HandleSignal(sig Signal) bool {
	q.mu.Lock()
	p := q.matchLocked(sig.RequestID)
	if p == nil {
		q.mu.Unlock()
		return false
	}
	if sig.RequestID != "" && q.consumed[sig.RequestID] && p.ExpectedRequestID != sig.RequestID {
		q.mu.Unlock()
		q.logger.Debugf("ignore consumed request_id=%s", sig.RequestID)
		return false
	}
	answeredID := p.ExpectedRequestID
	q.markConsumedLocked(sig.RequestID)
	q.markConsumedLocked(answeredID)
	removed := q.removePendingRemindersLocked()

	var d *dispatch
	completed := false
	if p.HasPendingFollowUps() {
		d = q.sendFollowUpLocked(p)
	} else {
		completed = q.completeLocked(p)
	}
	q.commitLocked()
	q.publish(events.EventAnswerReceived, map[string]interface{}{
		"prompt_id":         p.ID,
		"request_id":        answeredID,
		"follow_up_index":   p.FollowUpIndex,
		"completed":         completed,
		"reminders_removed": removed,
		"response_values":   sig.ResponseValues,
	})
	// consumed; must not be seen again by the next dispatch
	q.removeAnswerFile()
	q.mu.Unlock()

	q.forward(d)
	return true
}

// matchLocked prefers the sending item expecting requestID and falls back to
// whichever item is sending.
func (q *Queue) matchLocked(requestID string) *model.QueuedPrompt {
	sending := q.sendingLocked()
	if sending == nil {
		return nil
	}
	if requestID != "" && sending.ExpectedRequestID != requestID {
		q.logger.Warnf("request_id=%s does not match expected=%s for id=%s, assuming in-flight item",
			requestID, sending.ExpectedRequestID, sending.ID)
	}
	return sending
}

func (q *Queue) sendFollowUpLocked(p *model.QueuedPrompt) *dispatch {
	if err := model.ValidatePromptTransition(p.Status, model.PromptStatusSending); err != nil {
		q.logger.Warnf("follow-up for id=%s rejected: %v", p.ID, err)
		return nil
	}
	fu := p.FollowUps[p.FollowUpIndex]
	now := q.now()
	text := q.expander.Expand(fu.Text, fu.Template, true)

	p.FollowUpIndex++
	p.ExpandedText = text
	p.ExpectedRequestID = expand.ExtractRequestID(text)
	p.SentAt = model.TimePtr(now)
	p.ReminderQueued = false
	p.ReminderSentCount = 0
	p.LastReminderAt = nil
	p.DispatchEpoch++
	p.UpdatedAt = model.FormatTime(now)
	q.removeAnswerFile()

	q.logger.Infof("follow-up id=%s index=%d/%d request_id=%s",
		p.ID, p.FollowUpIndex, len(p.FollowUps), p.ExpectedRequestID)
	return &dispatch{id: p.ID, epoch: p.DispatchEpoch, text: text}
}

func (q *Queue) completeLocked(p *model.QueuedPrompt) bool {
	if err := model.ValidatePromptTransition(p.Status, model.PromptStatusSent); err != nil {
		q.logger.Warnf("complete id=%s rejected: %v", p.ID, err)
		return false
	}
	p.Status = model.PromptStatusSent
	p.ExpectedRequestID = ""
	p.ReminderQueued = false
	p.ReminderSentCount = 0
	p.LastReminderAt = nil
	p.UpdatedAt = model.FormatTime(q.now())
	q.logger.Infof("complete id=%s", p.ID)
	q.scheduleAdvanceLocked()
	return true
}

func (q *Queue) markConsumedLocked(requestID string) {
	if requestID == "" || q.consumed[requestID] {
		return
	}
	q.consumed[requestID] = true
	q.consumedOrder = append(q.consumedOrder, requestID)
	if over := len(q.consumedOrder) - q.opts.ConsumedIDLimit; over > 0 {
		for _, old := range q.consumedOrder[:over] {
			delete(q.consumed, old)
		}
		q.consumedOrder = append([]string(nil), q.consumedOrder[over:]...)
	}
}

// WriteAnswer writes an answer file the way the chat surface does; used by
// `courier answer write` and tests.
func WriteAnswer(path string, sig Signal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal answer: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write answer: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publish answer: %w", err)
	}
	return nil
}
