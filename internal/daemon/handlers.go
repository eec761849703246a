package daemon

import (
	"errors"
	"fmt"
	"os"

	"github.com/msageha/courier/internal/model"
	"github.com/msageha/courier/internal/queue"
	"github.com/msageha/courier/internal/reminder"
	"github.com/msageha/courier/internal/status"
	"github.com/msageha/courier/internal/timer"
	"github.com/msageha/courier/internal/uds"
)

// IDParams selects one queue item, timed entry or reminder template.
type IDParams struct {
	ID string `json:"id"`
}

type StatusFilter struct {
	Status model.PromptStatus `json:"status,omitempty"`
}

type SetStatusParams struct {
	ID     string             `json:"id"`
	Status model.PromptStatus `json:"status"`
}

// QueueUpdateParams edits a staged item. Nil fields are left unchanged.
type QueueUpdateParams struct {
	ID            string                  `json:"id"`
	Text          *string                 `json:"text,omitempty"`
	Template      *string                 `json:"template,omitempty"`
	AnswerWrapper *bool                   `json:"answer_wrapper,omitempty"`
	Reminder      *queue.ReminderSettings `json:"reminder,omitempty"`
}

type MoveParams struct {
	ID        string `json:"id"`
	Direction string `json:"direction"`
}

type FollowUpParams struct {
	ID         string               `json:"id"`
	FollowUpID string               `json:"follow_up_id,omitempty"`
	FollowUp   model.FollowUpPrompt `json:"follow_up"`
}

type TimerUpdateParams struct {
	ID    string           `json:"id"`
	Entry model.TimedEntry `json:"entry"`
}

// EnableParams toggles a global switch (timer engine, queue auto-send).
type EnableParams struct {
	Enabled bool `json:"enabled"`
}

type TimerSlotsParams struct {
	Slots []model.TimerScheduleSlot `json:"slots"`
}

type TimerList struct {
	Enabled bool                      `json:"enabled"`
	Slots   []model.TimerScheduleSlot `json:"slots"`
	Entries []model.TimedEntry        `json:"entries"`
}

type ReminderTemplateParams struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Text    string `json:"text"`
	Default bool   `json:"default,omitempty"`
}

// Result is the generic acknowledgement of a mutating command.
type Result struct {
	OK      bool   `json:"ok"`
	Count   int    `json:"count,omitempty"`
	ID      string `json:"id,omitempty"`
	Fired   bool   `json:"fired,omitempty"`
	Message string `json:"message,omitempty"`
}

// registerHandlers registers the control API.
func (d *Daemon) registerHandlers() {
	h := map[string]uds.HandlerFunc{
		"ping":     d.handlePing,
		"status":   d.handleStatus,
		"shutdown": d.handleShutdown,
		"answer":   d.handleAnswerCmd,

		"enqueue":          d.handleEnqueue,
		"queue_list":       d.handleQueueList,
		"queue_set_status": d.handleQueueSetStatus,
		"queue_update":     d.handleQueueUpdate,
		"queue_send_now":   d.handleQueueSendNow,
		"queue_remove":     d.handleQueueRemove,
		"queue_move":       d.handleQueueMove,
		"queue_clear":      d.handleQueueClear,
		"queue_auto_send":  d.handleQueueAutoSend,
		"followup_add":     d.handleFollowUpAdd,
		"followup_update":  d.handleFollowUpUpdate,
		"followup_remove":  d.handleFollowUpRemove,

		"timer_list":        d.handleTimerList,
		"timer_add":         d.handleTimerAdd,
		"timer_update":      d.handleTimerUpdate,
		"timer_pause":       d.handleTimerPause,
		"timer_resume":      d.handleTimerResume,
		"timer_remove":      d.handleTimerRemove,
		"timer_fire":        d.handleTimerFire,
		"timer_set_enabled": d.handleTimerSetEnabled,
		"timer_set_slots":   d.handleTimerSetSlots,

		"reminder_list":        d.handleReminderList,
		"reminder_add":         d.handleReminderAdd,
		"reminder_update":      d.handleReminderUpdate,
		"reminder_remove":      d.handleReminderRemove,
		"reminder_set_default": d.handleReminderSetDefault,
	}
	for name, fn := range h {
		d.server.Handle(name, fn)
	}
}

// errorResponse maps component errors onto protocol error codes.
func errorResponse(err error) *uds.Response {
	var code string
	switch {
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, timer.ErrNotFound), errors.Is(err, reminder.ErrNotFound):
		code = uds.ErrCodeNotFound
	case errors.Is(err, queue.ErrBusy):
		code = uds.ErrCodeBusy
	case errors.Is(err, queue.ErrNotEditable), errors.Is(err, timer.ErrNotEditable):
		code = uds.ErrCodeNotEditable
	case errors.Is(err, queue.ErrStale):
		code = uds.ErrCodeStale
	case errors.Is(err, queue.ErrEmptyText), errors.Is(err, timer.ErrInvalidEntry),
		errors.Is(err, reminder.ErrEmptyText), errors.Is(err, reminder.ErrLastTemplate):
		code = uds.ErrCodeValidation
	default:
		code = uds.ErrCodeInternal
	}
	return uds.ErrorResponse(code, err.Error())
}

func decode(req *uds.Request, v any) *uds.Response {
	if err := uds.DecodeParams(req, v); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	return nil
}

func requireID(id string) *uds.Response {
	if id == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "id is required")
	}
	return nil
}

// rejected reports an edit the queue declined: the item is missing or not staged.
func rejected(what, id string) *uds.Response {
	return uds.ErrorResponse(uds.ErrCodeNotEditable, fmt.Sprintf("%s %s: item not found or not editable", what, id))
}

func (d *Daemon) handlePing(*uds.Request) *uds.Response {
	return uds.SuccessResponse(map[string]string{"status": "ok"})
}

func (d *Daemon) handleStatus(*uds.Request) *uds.Response {
	snap := status.Snapshot{
		Daemon:       status.DaemonStatus{Running: true, Pid: os.Getpid()},
		Workspace:    d.store.Dir(),
		AutoSend:     d.queue.AutoSend(),
		Counts:       d.queue.Counts(),
		Items:        d.queue.Items(),
		TimerEnabled: d.timers.Enabled(),
		Entries:      d.timers.Entries(),
		Templates:    d.reminders.Templates(),
	}
	if p, ok := d.queue.InFlight(); ok {
		snap.InFlight = &p
	}
	return uds.SuccessResponse(snap)
}

func (d *Daemon) handleShutdown(*uds.Request) *uds.Response {
	d.logger.Infof("shutdown requested via UDS")
	go d.Shutdown()
	return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
}

// handleAnswerCmd writes the answer file as the chat surface would; the
// watcher then consumes it.
func (d *Daemon) handleAnswerCmd(req *uds.Request) *uds.Response {
	var sig queue.Signal
	if resp := decode(req, &sig); resp != nil {
		return resp
	}
	if err := queue.WriteAnswer(d.store.AnswerPath(), sig); err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(Result{OK: true, Message: d.store.AnswerPath()})
}

func (d *Daemon) handleEnqueue(req *uds.Request) *uds.Response {
	var in queue.EnqueueRequest
	if resp := decode(req, &in); resp != nil {
		return resp
	}
	p, err := d.queue.Enqueue(in)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(p)
}

func (d *Daemon) handleQueueList(req *uds.Request) *uds.Response {
	var f StatusFilter
	if resp := decode(req, &f); resp != nil {
		return resp
	}
	items := d.queue.Items()
	if f.Status == "" {
		return uds.SuccessResponse(items)
	}
	out := make([]model.QueuedPrompt, 0, len(items))
	for _, p := range items {
		if p.Status == f.Status {
			out = append(out, p)
		}
	}
	return uds.SuccessResponse(out)
}

func (d *Daemon) handleQueueSetStatus(req *uds.Request) *uds.Response {
	var in SetStatusParams
	if resp := decode(req, &in); resp != nil {
		return resp
	}
	if resp := requireID(in.ID); resp != nil {
		return resp
	}
	if !model.IsCallerSettable(in.Status) {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("status %q cannot be set directly", in.Status))
	}
	if !d.queue.SetStatus(in.ID, in.Status) {
		return rejected("set status", in.ID)
	}
	return uds.SuccessResponse(Result{OK: true, ID: in.ID})
}

func (d *Daemon) handleQueueUpdate(req *uds.Request) *uds.Response {
	var in QueueUpdateParams
	if resp := decode(req, &in); resp != nil {
		return resp
	}
	if resp := requireID(in.ID); resp != nil {
		return resp
	}
	cur, ok := d.queue.Get(in.ID)
	if !ok {
		return errorResponse(fmt.Errorf("update %s: %w", in.ID, queue.ErrNotFound))
	}
	if in.Text != nil && !d.queue.UpdateText(in.ID, *in.Text) {
		return rejected("update text", in.ID)
	}
	if in.Template != nil || in.AnswerWrapper != nil {
		tpl, wrap := cur.Template, cur.AnswerWrapper
		if in.Template != nil {
			tpl = *in.Template
		}
		if in.AnswerWrapper != nil {
			wrap = *in.AnswerWrapper
		}
		if !d.queue.UpdateTemplate(in.ID, tpl, wrap) {
			return rejected("update template", in.ID)
		}
	}
	if in.Reminder != nil && !d.queue.UpdateReminder(in.ID, *in.Reminder) {
		return rejected("update reminder", in.ID)
	}
	p, _ := d.queue.Get(in.ID)
	return uds.SuccessResponse(p)
}

func (d *Daemon) handleQueueSendNow(req *uds.Request) *uds.Response {
	var sel queue.SendSelector
	if resp := decode(req, &sel); resp != nil {
		return resp
	}
	if sel.ID == "" && sel.RequestID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "id or request_id is required")
	}
	if err := d.queue.SendQueuedPrompt(sel); err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(Result{OK: true, ID: sel.ID})
}

func (d *Daemon) handleQueueRemove(req *uds.Request) *uds.Response {
	var in IDParams
	if resp := decode(req, &in); resp != nil {
		return resp
	}
	if !d.queue.Remove(in.ID) {
		if _, ok := d.queue.Get(in.ID); ok {
			return uds.ErrorResponse(uds.ErrCodeBusy, fmt.Sprintf("remove %s: item is in flight", in.ID))
		}
		return errorResponse(fmt.Errorf("remove %s: %w", in.ID, queue.ErrNotFound))
	}
	return uds.SuccessResponse(Result{OK: true, ID: in.ID})
}

func (d *Daemon) handleQueueMove(req *uds.Request) *uds.Response {
	var in MoveParams
	if resp := decode(req, &in); resp != nil {
		return resp
	}
	if in.Direction != "up" && in.Direction != "down" {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("direction must be up or down, got %q", in.Direction))
	}
	if !d.queue.Move(in.ID, in.Direction) {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("cannot move %s %s", in.ID, in.Direction))
	}
	return uds.SuccessResponse(Result{OK: true, ID: in.ID})
}

func (d *Daemon) handleQueueClear(req *uds.Request) *uds.Response {
	var f StatusFilter
	if resp := decode(req, &f); resp != nil {
		return resp
	}
	var n int
	if f.Status == "" {
		n = d.queue.ClearAll()
	} else {
		if !model.ValidPromptStatus(f.Status) {
			return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("unknown status %q", f.Status))
		}
		n = d.queue.ClearByStatus(f.Status)
	}
	return uds.SuccessResponse(Result{OK: true, Count: n})
}

func (d *Daemon) handleQueueAutoSend(req *uds.Request) *uds.Response {
	var in EnableParams
	if resp := decode(req, &in); resp != nil {
		return resp
	}
	d.queue.SetAutoSend(in.Enabled)
	return uds.SuccessResponse(Result{OK: true})
}

func (d *Daemon) handleFollowUpAdd(req *uds.Request) *uds.Response {
	var in FollowUpParams
	if resp := decode(req, &in); resp != nil {
		return resp
	}
	fid, ok := d.queue.AddFollowUp(in.ID, in.FollowUp)
	if !ok {
		return rejected("add follow-up to", in.ID)
	}
	return uds.SuccessResponse(Result{OK: true, ID: fid})
}

func (d *Daemon) handleFollowUpUpdate(req *uds.Request) *uds.Response {
	var in FollowUpParams
	if resp := decode(req, &in); resp != nil {
		return resp
	}
	if !d.queue.UpdateFollowUp(in.ID, in.FollowUpID, in.FollowUp) {
		return rejected("update follow-up of", in.ID)
	}
	return uds.SuccessResponse(Result{OK: true, ID: in.FollowUpID})
}

func (d *Daemon) handleFollowUpRemove(req *uds.Request) *uds.Response {
	var in FollowUpParams
	if resp := decode(req, &in); resp != nil {
		return resp
	}
	if !d.queue.RemoveFollowUp(in.ID, in.FollowUpID) {
		return rejected("remove follow-up of", in.ID)
	}
	return uds.SuccessResponse(Result{OK: true, ID: in.FollowUpID})
}

func (d *Daemon) handleTimerList(*uds.Request) *uds.Response {
	return uds.SuccessResponse(TimerList{
		Enabled: d.timers.Enabled(),
		Slots:   d.timers.Slots(),
		Entries: d.timers.Entries(),
	})
}

func (d *Daemon) handleTimerAdd(req *uds.Request) *uds.Response {
	var in model.TimedEntry
	if resp := decode(req, &in); resp != nil {
		return resp
	}
	ent, err := d.timers.AddEntry(in)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(ent)
}

func (d *Daemon) handleTimerUpdate(req *uds.Request) *uds.Response {
	var in TimerUpdateParams
	if resp := decode(req, &in); resp != nil {
		return resp
	}
	ent, err := d.timers.UpdateEntry(in.ID, in.Entry)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(ent)
}

func (d *Daemon) timerOp(req *uds.Request, op func(string) error) *uds.Response {
	var in IDParams
	if resp := decode(req, &in); resp != nil {
		return resp
	}
	if err := op(in.ID); err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(Result{OK: true, ID: in.ID})
}

func (d *Daemon) handleTimerPause(req *uds.Request) *uds.Response {
	return d.timerOp(req, d.timers.Pause)
}

func (d *Daemon) handleTimerResume(req *uds.Request) *uds.Response {
	return d.timerOp(req, d.timers.Resume)
}

func (d *Daemon) handleTimerRemove(req *uds.Request) *uds.Response {
	return d.timerOp(req, d.timers.RemoveEntry)
}

func (d *Daemon) handleTimerFire(req *uds.Request) *uds.Response {
	var in IDParams
	if resp := decode(req, &in); resp != nil {
		return resp
	}
	fired, err := d.timers.FireNow(in.ID)
	if err != nil {
		return errorResponse(err)
	}
	res := Result{OK: true, ID: in.ID, Fired: fired}
	if !fired {
		res.Message = "skipped: a pending prompt from this entry is already queued"
	}
	return uds.SuccessResponse(res)
}

func (d *Daemon) handleTimerSetEnabled(req *uds.Request) *uds.Response {
	var in EnableParams
	if resp := decode(req, &in); resp != nil {
		return resp
	}
	d.timers.SetEnabled(in.Enabled)
	return uds.SuccessResponse(Result{OK: true})
}

func (d *Daemon) handleTimerSetSlots(req *uds.Request) *uds.Response {
	var in TimerSlotsParams
	if resp := decode(req, &in); resp != nil {
		return resp
	}
	if err := d.timers.SetSlots(in.Slots); err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(Result{OK: true, Count: len(in.Slots)})
}

func (d *Daemon) handleReminderList(*uds.Request) *uds.Response {
	return uds.SuccessResponse(d.reminders.Templates())
}

func (d *Daemon) handleReminderAdd(req *uds.Request) *uds.Response {
	var in ReminderTemplateParams
	if resp := decode(req, &in); resp != nil {
		return resp
	}
	tpl, err := d.reminders.AddTemplate(in.Name, in.Text, in.Default)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(tpl)
}

func (d *Daemon) handleReminderUpdate(req *uds.Request) *uds.Response {
	var in ReminderTemplateParams
	if resp := decode(req, &in); resp != nil {
		return resp
	}
	if err := d.reminders.UpdateTemplate(in.ID, in.Name, in.Text); err != nil {
		return errorResponse(err)
	}
	tpl, _ := d.reminders.Get(in.ID)
	return uds.SuccessResponse(tpl)
}

func (d *Daemon) handleReminderRemove(req *uds.Request) *uds.Response {
	var in IDParams
	if resp := decode(req, &in); resp != nil {
		return resp
	}
	if err := d.reminders.RemoveTemplate(in.ID); err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(Result{OK: true, ID: in.ID})
}

func (d *Daemon) handleReminderSetDefault(req *uds.Request) *uds.Response {
	var in IDParams
	if resp := decode(req, &in); resp != nil {
		return resp
	}
	if err := d.reminders.SetDefault(in.ID); err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(Result{OK: true, ID: in.ID})
}
