// Package reminder watches the in-flight prompt for silence and queues a
// rendered reminder when its timeout passes.
package reminder

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/msageha/courier/internal/events"
	"github.com/msageha/courier/internal/expand"
	"github.com/msageha/courier/internal/logging"
	"github.com/msageha/courier/internal/model"
	"github.com/msageha/courier/internal/queue"
)

var (
	ErrNotFound     = errors.New("reminder template not found")
	ErrLastTemplate = errors.New("cannot remove the last reminder template")
	ErrEmptyText    = errors.New("reminder template text is empty")
)

// Queue is the slice of the prompt queue the reminder system needs.
type Queue interface {
	InFlight() (model.QueuedPrompt, bool)
	Len() int
	QueueReminder(queue.ReminderRequest) (model.QueuedPrompt, error)
	RemovePendingReminders() int
}

type Persister interface {
	LoadReminders() (model.ReminderTemplates, error)
	SaveReminders(model.ReminderTemplates) error
}

type Notifier interface {
	Notify(title, message string) error
}

type Options struct {
	Enabled               bool
	DefaultTimeoutMinutes int
	DefaultTemplateID     string
	Repeat                bool
	PromptTruncateRunes   int
}

func OptionsFromConfig(cfg model.Config) Options {
	cfg = cfg.WithDefaults()
	return Options{
		Enabled:               cfg.Reminder.Enabled,
		DefaultTimeoutMinutes: cfg.Reminder.DefaultTimeoutMinutes,
		DefaultTemplateID:     cfg.Reminder.DefaultTemplateID,
		Repeat:                cfg.Reminder.Repeat,
		PromptTruncateRunes:   cfg.Reminder.PromptTruncateRunes,
	}
}

type System struct {
	mu        sync.Mutex
	templates []model.ReminderTemplate

	opts     Options
	queue    Queue
	store    Persister
	notifier Notifier
	logger   *logging.Logger
	now      func() time.Time
}

func New(opts Options, q Queue, store Persister, logger *logging.Logger) *System {
	if opts.DefaultTimeoutMinutes <= 0 {
		opts.DefaultTimeoutMinutes = 10
	}
	if opts.PromptTruncateRunes <= 0 {
		opts.PromptTruncateRunes = 200
	}
	return &System{
		templates: []model.ReminderTemplate{model.DefaultReminderTemplate()},
		opts:      opts,
		queue:     q,
		store:     store,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock overrides the clock (for testing).
func (s *System) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetNotifier enables a desktop notification per queued reminder.
func (s *System) SetNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// Attach removes pending reminders whenever an answer is received.
func (s *System) Attach(bus *events.Bus) func() {
	return bus.Subscribe(events.EventAnswerReceived, func(events.Event) {
		if n := s.queue.RemovePendingReminders(); n > 0 {
			s.logger.Infof("cancelled pending reminders=%d", n)
		}
	})
}

// Load reads the template document, seeding the default template when it is
// empty and repairing the single-default rule.
func (s *System) Load() error {
	doc, err := s.store.LoadReminders()
	if err != nil {
		return fmt.Errorf("load reminders: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates = doc.Templates
	if len(s.templates) == 0 {
		s.templates = []model.ReminderTemplate{model.DefaultReminderTemplate()}
	}
	s.normalizeDefaultLocked()
	s.saveLocked()
	return nil
}

// Tick checks the in-flight item and queues at most one reminder for it.
func (s *System) Tick() (queued bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("reminder tick panic: %v", r)
			queued = false
		}
	}()
	if !s.opts.Enabled {
		return false
	}
	p, ok := s.queue.InFlight()
	if !ok || !p.ReminderEnabled {
		return false
	}
	templateID := s.effectiveTemplateID(p)
	if templateID == model.NoReminderTemplateID {
		return false
	}
	sentAt, ok := model.ParseTime(p.SentAt)
	if !ok {
		return false
	}

	s.mu.Lock()
	now := s.now()
	s.mu.Unlock()
	timeout := time.Duration(s.effectiveTimeout(p)) * time.Minute

	if p.ReminderQueued {
		if !p.ReminderRepeat && !s.opts.Repeat {
			return false
		}
		last, ok := model.ParseTime(p.LastReminderAt)
		if ok && now.Sub(last) <= timeout {
			return false
		}
	} else if now.Sub(sentAt) <= timeout {
		return false
	}

	tpl := s.resolveTemplate(templateID)
	text := expand.Render(tpl.PromptText, s.placeholders(p, timeout, now.Sub(sentAt)))
	item, err := s.queue.QueueReminder(queue.ReminderRequest{
		PromptID:   p.ID,
		Epoch:      p.DispatchEpoch,
		Text:       text,
		TemplateID: tpl.ID,
	})
	if err != nil {
		if errors.Is(err, queue.ErrStale) || errors.Is(err, queue.ErrNotFound) {
			s.logger.Debugf("skip reminder for id=%s: %v", p.ID, err)
		} else {
			s.logger.Warnf("queue reminder for id=%s failed: %v", p.ID, err)
		}
		return false
	}
	s.logger.Infof("reminder id=%s for=%s template=%s waited=%s", item.ID, p.ID, tpl.ID, now.Sub(sentAt).Round(time.Second))

	s.mu.Lock()
	n := s.notifier
	s.mu.Unlock()
	if n != nil {
		msg := fmt.Sprintf("No answer for %d min on %s", int(now.Sub(sentAt).Minutes()), p.ID)
		if err := n.Notify("courier reminder", msg); err != nil {
			s.logger.Debugf("notify failed: %v", err)
		}
	}
	return true
}

// effectiveTimeout resolves item override, then the active follow-up's
// override, then the global default.
func (s *System) effectiveTimeout(p model.QueuedPrompt) int {
	if p.ReminderTimeoutMinutes > 0 {
		return p.ReminderTimeoutMinutes
	}
	if fu := p.ActiveFollowUp(); fu != nil && fu.ReminderTimeoutMinutes > 0 {
		return fu.ReminderTimeoutMinutes
	}
	return s.opts.DefaultTimeoutMinutes
}

func (s *System) effectiveTemplateID(p model.QueuedPrompt) string {
	if p.ReminderTemplateID != "" {
		return p.ReminderTemplateID
	}
	if fu := p.ActiveFollowUp(); fu != nil && fu.ReminderTemplateID != "" {
		return fu.ReminderTemplateID
	}
	return s.opts.DefaultTemplateID
}

// resolveTemplate falls back to the default template for unknown or empty ids.
func (s *System) resolveTemplate(id string) model.ReminderTemplate {
	s.mu.Lock()
	defer s.mu.Unlock()
	var def *model.ReminderTemplate
	for i := range s.templates {
		if id != "" && s.templates[i].ID == id {
			return s.templates[i]
		}
		if s.templates[i].IsDefault && def == nil {
			def = &s.templates[i]
		}
	}
	if def != nil {
		return *def
	}
	return model.DefaultReminderTemplate()
}

func (s *System) placeholders(p model.QueuedPrompt, timeout, waited time.Duration) map[string]string {
	followUpText := ""
	if fu := p.ActiveFollowUp(); fu != nil {
		followUpText = fu.Text
	}
	sentAt := ""
	if t, ok := model.ParseTime(p.SentAt); ok {
		sentAt = t.Format(time.RFC3339)
	}
	return map[string]string{
		"timeoutMinutes":    strconv.Itoa(int(timeout.Minutes())),
		"waitingMinutes":    strconv.Itoa(int(waited.Minutes())),
		"originalPrompt":    truncateRunes(p.OriginalText, s.opts.PromptTruncateRunes),
		"followUpIndex":     strconv.Itoa(p.FollowUpIndex),
		"followUpTotal":     strconv.Itoa(len(p.FollowUps)),
		"sentAt":            sentAt,
		"followUpText":      followUpText,
		"promptId":          p.ID,
		"promptType":        string(p.Type),
		"status":            string(p.Status),
		"template":          p.Template,
		"requestId":         p.RequestID,
		"expectedRequestId": p.ExpectedRequestID,
		"createdAt":         p.CreatedAt,
		"reminderSentCount": strconv.Itoa(p.ReminderSentCount + 1),
		"queueLength":       strconv.Itoa(s.queue.Len()),
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// --- template CRUD ---

func (s *System) Templates() []model.ReminderTemplate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ReminderTemplate(nil), s.templates...)
}

func (s *System) Get(id string) (model.ReminderTemplate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.templates[i], true
	}
	return model.ReminderTemplate{}, false
}

func (s *System) AddTemplate(name, text string, makeDefault bool) (model.ReminderTemplate, error) {
	if strings.TrimSpace(text) == "" {
		return model.ReminderTemplate{}, ErrEmptyText
	}
	id, err := model.GenerateID(model.IDTypeTemplate)
	if err != nil {
		return model.ReminderTemplate{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tpl := model.ReminderTemplate{ID: id, Name: name, PromptText: text}
	s.templates = append(s.templates, tpl)
	if makeDefault {
		s.setDefaultLocked(id)
	}
	s.saveLocked()
	return s.templates[s.indexLocked(id)], nil
}

func (s *System) UpdateTemplate(id, name, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return ErrNotFound
	}
	s.templates[i].Name = name
	s.templates[i].PromptText = text
	s.saveLocked()
	return nil
}

// RemoveTemplate deletes a template. Removing the default promotes the first
// remaining one; the last template cannot be removed.
func (s *System) RemoveTemplate(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return ErrNotFound
	}
	if len(s.templates) == 1 {
		return ErrLastTemplate
	}
	wasDefault := s.templates[i].IsDefault
	s.templates = append(s.templates[:i], s.templates[i+1:]...)
	if wasDefault {
		s.templates[0].IsDefault = true
	}
	s.saveLocked()
	return nil
}

func (s *System) SetDefault(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexLocked(id) < 0 {
		return ErrNotFound
	}
	s.setDefaultLocked(id)
	s.saveLocked()
	return nil
}

func (s *System) setDefaultLocked(id string) {
	for i := range s.templates {
		s.templates[i].IsDefault = s.templates[i].ID == id
	}
}

func (s *System) normalizeDefaultLocked() {
	seen := false
	for i := range s.templates {
		if s.templates[i].IsDefault {
			if seen {
				s.templates[i].IsDefault = false
			}
			seen = true
		}
	}
	if !seen {
		s.templates[0].IsDefault = true
	}
}

func (s *System) indexLocked(id string) int {
	for i := range s.templates {
		if s.templates[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *System) saveLocked() {
	if s.store == nil {
		return
	}
	doc := model.ReminderTemplates{Templates: append([]model.ReminderTemplate(nil), s.templates...)}
	if err := s.store.SaveReminders(doc); err != nil {
		s.logger.Warnf("persist reminder templates failed: %v", err)
	}
}
