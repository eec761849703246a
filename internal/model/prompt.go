package model

import "time"

type PromptType string

const (
	PromptTypeNormal   PromptType = "normal"
	PromptTypeTimed    PromptType = "timed"
	PromptTypeReminder PromptType = "reminder"
)

// TimedTemplatePrefix tags queue items produced by the timer engine so the
// dedup guard can find them: template "timed:<entryId>".
const TimedTemplatePrefix = "timed:"

// NoReminderTemplateID disables reminders for an item or follow-up.
const NoReminderTemplateID = "__none__"

type PromptQueue struct {
	SchemaVersion int            `yaml:"schema_version" json:"-"`
	FileType      string         `yaml:"file_type" json:"-"`
	Prompts       []QueuedPrompt `yaml:"prompts" json:"prompts"`
}

type QueuedPrompt struct {
	ID            string       `yaml:"id" json:"id"`
	Status        PromptStatus `yaml:"status" json:"status"`
	Type          PromptType   `yaml:"type" json:"type"`
	OriginalText  string       `yaml:"original_text" json:"original_text"`
	ExpandedText  string       `yaml:"expanded_text" json:"expanded_text"`
	Template      string       `yaml:"template,omitempty" json:"template,omitempty"`
	AnswerWrapper bool         `yaml:"answer_wrapper" json:"answer_wrapper"`

	RequestID         string `yaml:"request_id,omitempty" json:"request_id,omitempty"`
	ExpectedRequestID string `yaml:"expected_request_id,omitempty" json:"expected_request_id,omitempty"`

	FollowUps     []FollowUpPrompt `yaml:"follow_ups,omitempty" json:"follow_ups,omitempty"`
	FollowUpIndex int              `yaml:"follow_up_index" json:"follow_up_index"`

	ReminderEnabled        bool   `yaml:"reminder_enabled" json:"reminder_enabled"`
	ReminderTemplateID     string `yaml:"reminder_template_id,omitempty" json:"reminder_template_id,omitempty"`
	ReminderTimeoutMinutes int    `yaml:"reminder_timeout_minutes,omitempty" json:"reminder_timeout_minutes,omitempty"`
	ReminderRepeat         bool   `yaml:"reminder_repeat" json:"reminder_repeat"`

	SentAt            *string `yaml:"sent_at" json:"sent_at"`
	ReminderQueued    bool    `yaml:"reminder_queued" json:"reminder_queued"`
	ReminderSentCount int     `yaml:"reminder_sent_count" json:"reminder_sent_count"`
	LastReminderAt    *string `yaml:"last_reminder_at" json:"last_reminder_at"`

	ReminderFor  string `yaml:"reminder_for,omitempty" json:"reminder_for,omitempty"`
	TimedEntryID string `yaml:"timed_entry_id,omitempty" json:"timed_entry_id,omitempty"`

	DispatchEpoch int     `yaml:"dispatch_epoch" json:"dispatch_epoch"`
	Error         *string `yaml:"error" json:"error"`
	CreatedAt     string  `yaml:"created_at" json:"created_at"`
	UpdatedAt     string  `yaml:"updated_at" json:"updated_at"`
}

type FollowUpPrompt struct {
	ID                     string `yaml:"id" json:"id"`
	Text                   string `yaml:"text" json:"text"`
	Template               string `yaml:"template,omitempty" json:"template,omitempty"`
	ReminderTemplateID     string `yaml:"reminder_template_id,omitempty" json:"reminder_template_id,omitempty"`
	ReminderTimeoutMinutes int    `yaml:"reminder_timeout_minutes,omitempty" json:"reminder_timeout_minutes,omitempty"`
}

// ActiveFollowUp returns the follow-up currently awaiting its answer, if any.
// FollowUpIndex counts dispatched follow-ups, so the active one is at index-1.
func (p *QueuedPrompt) ActiveFollowUp() *FollowUpPrompt {
	if p.FollowUpIndex <= 0 || p.FollowUpIndex > len(p.FollowUps) {
		return nil
	}
	return &p.FollowUps[p.FollowUpIndex-1]
}

func (p *QueuedPrompt) HasPendingFollowUps() bool {
	return p.FollowUpIndex < len(p.FollowUps)
}

// Clone returns a deep copy safe to hand out of the queue lock.
func (p QueuedPrompt) Clone() QueuedPrompt {
	c := p
	if p.FollowUps != nil {
		c.FollowUps = append([]FollowUpPrompt(nil), p.FollowUps...)
	}
	c.SentAt = cloneStr(p.SentAt)
	c.LastReminderAt = cloneStr(p.LastReminderAt)
	c.Error = cloneStr(p.Error)
	return c
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// FormatTime renders t the way every courier document stores timestamps.
// Sub-second precision is kept so timeouts measure from the real instant.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// TimePtr is FormatTime for optional fields.
func TimePtr(t time.Time) *string {
	s := FormatTime(t)
	return &s
}

// ParseTime parses an optional document timestamp. ok is false for nil or malformed values.
func ParseTime(s *string) (time.Time, bool) {
	if s == nil || *s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
