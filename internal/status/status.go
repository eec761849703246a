// Package status reports the daemon, queue, timer and reminder state of a
// courier workspace, live over the control socket or from the documents on disk.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/msageha/courier/internal/logging"
	"github.com/msageha/courier/internal/model"
	"github.com/msageha/courier/internal/store"
	"github.com/msageha/courier/internal/uds"
	courieryaml "github.com/msageha/courier/internal/yaml"
)

// Snapshot is the payload of the daemon's status command.
type Snapshot struct {
	Daemon       DaemonStatus               `json:"daemon"`
	Workspace    string                     `json:"workspace"`
	AutoSend     bool                       `json:"auto_send"`
	InFlight     *model.QueuedPrompt        `json:"in_flight,omitempty"`
	Counts       map[model.PromptStatus]int `json:"counts"`
	Items        []model.QueuedPrompt       `json:"items"`
	TimerEnabled bool                       `json:"timer_enabled"`
	Entries      []model.TimedEntry         `json:"entries"`
	Templates    []model.ReminderTemplate   `json:"templates"`
}

type DaemonStatus struct {
	Running bool `json:"running"`
	Pid     int  `json:"pid,omitempty"`
}

// Run prints the workspace status. When the daemon is not reachable the
// persisted documents are read instead.
func Run(courierDir string, cfg model.Config, jsonOutput bool, w io.Writer) error {
	client := uds.NewClient(filepath.Join(courierDir, uds.DefaultSocketName))
	snap, err := fetch(client)
	if err != nil {
		snap = ReadDocuments(store.DirFor(courierDir, cfg), logging.Discard())
	}

	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	_, err = io.WriteString(w, Render(snap))
	return err
}

func fetch(client *uds.Client) (Snapshot, error) {
	var snap Snapshot
	if err := client.Call("status", nil, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// ReadDocuments builds a snapshot from the YAML documents in dir. Unreadable
// or invalid documents are logged and skipped; nothing is repaired.
func ReadDocuments(dir string, logger *logging.Logger) Snapshot {
	snap := Snapshot{Counts: map[model.PromptStatus]int{}}

	var q model.PromptQueue
	if readDoc(filepath.Join(dir, store.QueueFile), courieryaml.FileTypePromptQueue, &q, logger) {
		snap.Items = q.Prompts
		for i := range q.Prompts {
			p := q.Prompts[i]
			snap.Counts[p.Status]++
			if p.Status == model.PromptStatusSending {
				snap.InFlight = &p
			}
		}
	}

	var timers model.TimerEntries
	if readDoc(filepath.Join(dir, store.TimersFile), courieryaml.FileTypeTimerEntries, &timers, logger) {
		snap.TimerEnabled = timers.Enabled
		snap.Entries = timers.Entries
	}

	var rem model.ReminderTemplates
	if readDoc(filepath.Join(dir, store.RemindersFile), courieryaml.FileTypeReminderTemplates, &rem, logger) {
		snap.Templates = rem.Templates
	}
	return snap
}

func readDoc(path, fileType string, out any, logger *logging.Logger) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warnf("failed to read %s: %v", filepath.Base(path), err)
		}
		return false
	}
	if err := courieryaml.ValidateSchemaHeaderFromBytes(data, fileType); err != nil {
		logger.Warnf("invalid schema in %s: %v", filepath.Base(path), err)
		return false
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		logger.Warnf("failed to parse %s: %v", filepath.Base(path), err)
		return false
	}
	return true
}

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	boxStyle     = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)

	statusColors = map[model.PromptStatus]lipgloss.Color{
		model.PromptStatusStaged:  lipgloss.Color("#AAAAAA"),
		model.PromptStatusPending: lipgloss.Color("#E5C07B"),
		model.PromptStatusSending: lipgloss.Color("#61AFEF"),
		model.PromptStatusSent:    lipgloss.Color("#98C379"),
		model.PromptStatusError:   lipgloss.Color("#FF6B6B"),
	}
)

const previewRunes = 48

// Render formats a snapshot for a terminal.
func Render(s Snapshot) string {
	var daemon string
	if s.Daemon.Running {
		daemon = fmt.Sprintf("Daemon: running (pid %d)", s.Daemon.Pid)
	} else {
		daemon = "Daemon: stopped " + dimStyle.Render("(showing persisted state)")
	}

	sections := []string{daemon}
	if s.Workspace != "" {
		sections = append(sections, dimStyle.Render("Workspace: "+s.Workspace))
	}
	sections = append(sections, renderQueue(s), renderTimers(s), renderReminders(s))
	return lipgloss.JoinVertical(lipgloss.Left, sections...) + "\n"
}

func renderQueue(s Snapshot) string {
	lines := []string{headingStyle.Render("Queue")}
	counts := make([]string, 0, len(model.AllPromptStatuses))
	for _, st := range model.AllPromptStatuses {
		counts = append(counts, fmt.Sprintf("%s=%d", st, s.Counts[st]))
	}
	lines = append(lines, dimStyle.Render(strings.Join(counts, "  ")))
	if s.InFlight != nil {
		lines = append(lines, fmt.Sprintf("in flight: %s %s", s.InFlight.ID, preview(s.InFlight.OriginalText)))
	}
	if len(s.Items) == 0 {
		lines = append(lines, dimStyle.Render("(empty)"))
	}
	for _, p := range s.Items {
		st := lipgloss.NewStyle().Foreground(statusColors[p.Status]).Render(fmt.Sprintf("%-7s", p.Status))
		line := fmt.Sprintf("%s  %s  %-8s %s", st, p.ID, p.Type, preview(p.OriginalText))
		if n := len(p.FollowUps); n > 0 {
			line += dimStyle.Render(fmt.Sprintf("  [follow-up %d/%d]", p.FollowUpIndex, n))
		}
		lines = append(lines, line)
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

func renderTimers(s Snapshot) string {
	state := "enabled"
	if !s.TimerEnabled {
		state = "disabled"
	}
	lines := []string{headingStyle.Render("Timers") + dimStyle.Render(" ("+state+")")}
	if len(s.Entries) == 0 {
		lines = append(lines, dimStyle.Render("(none)"))
	}
	for _, e := range s.Entries {
		last := "never"
		if e.LastSentAt != nil {
			last = *e.LastSentAt
		}
		lines = append(lines, fmt.Sprintf("%-9s %s  %s  %s  last=%s",
			e.Status, e.ID, e.Name, schedule(e), last))
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

func renderReminders(s Snapshot) string {
	lines := []string{headingStyle.Render("Reminder templates")}
	for _, t := range s.Templates {
		mark := " "
		if t.IsDefault {
			mark = "*"
		}
		lines = append(lines, fmt.Sprintf("%s %s  %s", mark, t.ID, t.Name))
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

func schedule(e model.TimedEntry) string {
	if e.ScheduleMode == model.ScheduleModeInterval {
		return fmt.Sprintf("every %dm", e.IntervalMinutes)
	}
	times := make([]string, 0, len(e.ScheduledTimes))
	for _, st := range e.ScheduledTimes {
		if st.Date != "" {
			times = append(times, st.Date+" "+st.Time)
		} else {
			times = append(times, st.Time)
		}
	}
	return "at " + strings.Join(times, ",")
}

func preview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	r := []rune(text)
	if len(r) <= previewRunes {
		return text
	}
	return string(r[:previewRunes-1]) + "…"
}
