// Package notify raises desktop notifications for reminders and dispatch errors.
package notify

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// Runner executes a command and returns its combined output.
type Runner func(name string, args ...string) ([]byte, error)

func execRunner(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// Desktop sends notifications through osascript on macOS and notify-send elsewhere.
type Desktop struct {
	goos string
	run  Runner
}

func NewDesktop() *Desktop {
	return &Desktop{goos: runtime.GOOS, run: execRunner}
}

// SetRunner overrides command execution (for testing).
func (d *Desktop) SetRunner(goos string, run Runner) {
	d.goos = goos
	d.run = run
}

func (d *Desktop) Notify(title, message string) error {
	name, args := d.command(title, message)
	if out, err := d.run(name, args...); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (d *Desktop) command(title, message string) (string, []string) {
	if d.goos == "darwin" {
		script := fmt.Sprintf(
			`display notification "%s" with title "%s" sound name "default"`,
			escapeAppleScript(message), escapeAppleScript(title),
		)
		return "osascript", []string{"-e", script}
	}
	return "notify-send", []string{"--app-name=courier", title, message}
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
