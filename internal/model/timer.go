package model

type ScheduleMode string

const (
	ScheduleModeInterval  ScheduleMode = "interval"
	ScheduleModeScheduled ScheduleMode = "scheduled"
)

type TimedEntryStatus string

const (
	TimedEntryActive    TimedEntryStatus = "active"
	TimedEntryPaused    TimedEntryStatus = "paused"
	TimedEntryCompleted TimedEntryStatus = "completed"
)

type SlotKind string

const (
	SlotKindWeekdays   SlotKind = "weekdays"
	SlotKindNthWeekday SlotKind = "nth_weekday"
	SlotKindDayOfMonth SlotKind = "day_of_month"
)

type TimerEntries struct {
	SchemaVersion int                 `yaml:"schema_version" json:"-"`
	FileType      string              `yaml:"file_type" json:"-"`
	Enabled       bool                `yaml:"enabled" json:"enabled"`
	Slots         []TimerScheduleSlot `yaml:"slots" json:"slots"`
	Entries       []TimedEntry        `yaml:"entries" json:"entries"`
}

type TimedEntry struct {
	ID              string           `yaml:"id" json:"id"`
	Name            string           `yaml:"name" json:"name"`
	Prompt          string           `yaml:"prompt" json:"prompt"`
	Template        string           `yaml:"template,omitempty" json:"template,omitempty"`
	AnswerWrapper   bool             `yaml:"answer_wrapper" json:"answer_wrapper"`
	Enabled         bool             `yaml:"enabled" json:"enabled"`
	Status          TimedEntryStatus `yaml:"status" json:"status"`
	ScheduleMode    ScheduleMode     `yaml:"schedule_mode" json:"schedule_mode"`
	IntervalMinutes int              `yaml:"interval_minutes,omitempty" json:"interval_minutes,omitempty"`
	ScheduledTimes  []ScheduledTime  `yaml:"scheduled_times,omitempty" json:"scheduled_times,omitempty"`
	LastSentAt      *string          `yaml:"last_sent_at" json:"last_sent_at"`
	LastFiredMinute string           `yaml:"last_fired_minute,omitempty" json:"last_fired_minute,omitempty"`
	CreatedAt       string           `yaml:"created_at" json:"created_at"`
	UpdatedAt       string           `yaml:"updated_at" json:"updated_at"`
}

// ScheduledTime is a wall-clock firing time. Date, when set, makes it a one-shot.
type ScheduledTime struct {
	Time string `yaml:"time" json:"time"`                     // HH:MM
	Date string `yaml:"date,omitempty" json:"date,omitempty"` // YYYY-MM-DD
}

type TimerScheduleSlot struct {
	Name        string   `yaml:"name" json:"name"`
	Kind        SlotKind `yaml:"kind" json:"kind"`
	Weekdays    []int    `yaml:"weekdays,omitempty" json:"weekdays,omitempty"` // 0 = Sunday
	Nth         int      `yaml:"nth,omitempty" json:"nth,omitempty"`           // 1..5, -1 = last
	Weekday     int      `yaml:"weekday,omitempty" json:"weekday,omitempty"`
	DaysOfMonth []int    `yaml:"days_of_month,omitempty" json:"days_of_month,omitempty"`
	From        string   `yaml:"from,omitempty" json:"from,omitempty"` // HH:MM, inclusive
	To          string   `yaml:"to,omitempty" json:"to,omitempty"`     // HH:MM, exclusive
}

// TimedTemplate returns the queue template tag for items produced by entry id.
func TimedTemplate(entryID string) string {
	return TimedTemplatePrefix + entryID
}
