// Package model defines the data structures for courier's configuration, queue, timer and reminder documents.
package model

type Config struct {
	Project  ProjectConfig  `yaml:"project"`
	Storage  StorageConfig  `yaml:"storage"`
	Queue    QueueConfig    `yaml:"queue"`
	Timer    TimerConfig    `yaml:"timer"`
	Reminder ReminderConfig `yaml:"reminder"`
	Forward  ForwardConfig  `yaml:"forward"`
	Watcher  WatcherConfig  `yaml:"watcher"`
	Template TemplateConfig `yaml:"template"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Logging  LoggingConfig  `yaml:"logging"`
	Notify   NotifyConfig   `yaml:"notify"`
}

type ProjectConfig struct {
	Name      string `yaml:"name"`
	Workspace string `yaml:"workspace"`
}

type StorageConfig struct {
	// Dir is the root under which per-workspace documents are kept.
	// Empty means <courier dir>/state.
	Dir     string `yaml:"dir"`
	Session string `yaml:"session"`
}

type QueueConfig struct {
	AutoSend                bool `yaml:"auto_send"`
	AutoAdvanceDelayMs      int  `yaml:"auto_advance_delay_ms"`
	MaxSentHistory          int  `yaml:"max_sent_history"`
	MaxItems                int  `yaml:"max_items"`
	TimeoutCheckIntervalSec int  `yaml:"timeout_check_interval_sec"`
}

type TimerConfig struct {
	TickIntervalSec int `yaml:"tick_interval_sec"`
}

type ReminderConfig struct {
	Enabled               bool   `yaml:"enabled"`
	TickIntervalSec       int    `yaml:"tick_interval_sec"`
	DefaultTimeoutMinutes int    `yaml:"default_timeout_minutes"`
	DefaultTemplateID     string `yaml:"default_template_id"`
	Repeat                bool   `yaml:"repeat"`
	PromptTruncateRunes   int    `yaml:"prompt_truncate_runes"`
}

type ForwardConfig struct {
	Mode       string         `yaml:"mode"` // "tmux", "amqp" or "command"
	TimeoutSec int            `yaml:"timeout_sec"`
	Tmux       TmuxForward    `yaml:"tmux"`
	AMQP       AMQPForward    `yaml:"amqp"`
	Command    CommandForward `yaml:"command"`
}

type TmuxForward struct {
	Pane          string `yaml:"pane"`
	SubmitDelayMs int    `yaml:"submit_delay_ms"`
}

type AMQPForward struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
	AppID      string `yaml:"app_id"`
}

type CommandForward struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args"`
}

type WatcherConfig struct {
	DebounceMs int `yaml:"debounce_ms"`
}

type TemplateConfig struct {
	// Templates maps a template name to its wrapper text; {{prompt}} marks the
	// position of the wrapped prompt.
	Templates     map[string]string `yaml:"templates,omitempty"`
	AnswerWrapper string            `yaml:"answer_wrapper"`
	Variables     map[string]string `yaml:"variables,omitempty"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type NotifyConfig struct {
	OnReminder bool `yaml:"on_reminder"`
	OnError    bool `yaml:"on_error"`
}

const (
	defaultAutoAdvanceDelayMs      = 1500
	defaultMaxSentHistory          = 50
	defaultMaxItems                = 200
	defaultTimeoutCheckIntervalSec = 10
	defaultTimerTickSec            = 30
	defaultReminderTickSec         = 15
	defaultReminderTimeoutMinutes  = 10
	defaultPromptTruncateRunes     = 200
	defaultForwardTimeoutSec       = 30
	defaultShutdownTimeoutSec      = 10

	DefaultAnswerWrapper = "{{prompt}}\n\n---\nWhen you are done, write your answer as JSON to {{answerFile}} " +
		"with the field \"requestId\": \"{{requestId}}\"."
)

// DefaultConfig returns the configuration written by `courier setup`.
func DefaultConfig() Config {
	return Config{
		Queue:    QueueConfig{AutoSend: true},
		Reminder: ReminderConfig{Enabled: true},
		Forward:  ForwardConfig{Mode: "tmux", Tmux: TmuxForward{Pane: "courier:0.0"}},
		Logging:  LoggingConfig{Level: "info"},
	}.WithDefaults()
}

// WithDefaults fills zero-valued tunables. Booleans are left as configured.
func (c Config) WithDefaults() Config {
	if c.Queue.AutoAdvanceDelayMs < 0 {
		c.Queue.AutoAdvanceDelayMs = 0
	} else if c.Queue.AutoAdvanceDelayMs == 0 {
		c.Queue.AutoAdvanceDelayMs = defaultAutoAdvanceDelayMs
	}
	if c.Queue.MaxSentHistory <= 0 {
		c.Queue.MaxSentHistory = defaultMaxSentHistory
	}
	if c.Queue.MaxItems <= 0 {
		c.Queue.MaxItems = defaultMaxItems
	}
	if c.Queue.TimeoutCheckIntervalSec <= 0 {
		c.Queue.TimeoutCheckIntervalSec = defaultTimeoutCheckIntervalSec
	}
	if c.Timer.TickIntervalSec <= 0 {
		c.Timer.TickIntervalSec = defaultTimerTickSec
	}
	if c.Reminder.TickIntervalSec <= 0 {
		c.Reminder.TickIntervalSec = defaultReminderTickSec
	}
	if c.Reminder.DefaultTimeoutMinutes <= 0 {
		c.Reminder.DefaultTimeoutMinutes = defaultReminderTimeoutMinutes
	}
	if c.Reminder.PromptTruncateRunes <= 0 {
		c.Reminder.PromptTruncateRunes = defaultPromptTruncateRunes
	}
	if c.Forward.TimeoutSec <= 0 {
		c.Forward.TimeoutSec = defaultForwardTimeoutSec
	}
	if c.Template.AnswerWrapper == "" {
		c.Template.AnswerWrapper = DefaultAnswerWrapper
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = defaultShutdownTimeoutSec
	}
	return c
}
