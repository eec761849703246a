// Package tmux delivers text into tmux panes.
package tmux

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync/atomic"
	"time"
)

// DefaultSubmitDelay is the pause between the paste and the Enter key.
// TUI inputs need time to render a bracketed paste before they accept a submit.
const DefaultSubmitDelay = 500 * time.Millisecond

// bufSeq keeps buffer names unique across concurrent senders.
var bufSeq atomic.Int64

// binary is the tmux executable. Tests point it at a fake script.
var binary atomic.Value

func init() { binary.Store("tmux") }

// SetBinary overrides the tmux executable path.
func SetBinary(path string) {
	if path == "" {
		path = "tmux"
	}
	binary.Store(path)
}

func bin() string { return binary.Load().(string) }

var paneTargetPattern = regexp.MustCompile(`^[A-Za-z0-9_.:%@$-]+$`)

// ValidPaneTarget reports whether target looks like a tmux target
// (session:window.pane, %id, or @id) with no shell or tmux metacharacters.
func ValidPaneTarget(target string) bool {
	return target != "" && paneTargetPattern.MatchString(target)
}

// SendTextAndSubmit pastes text into a pane as a single bracketed paste and
// then sends Enter. A zero delay uses DefaultSubmitDelay; a negative one skips the pause.
func SendTextAndSubmit(ctx context.Context, paneTarget, text string, delay time.Duration) error {
	if !ValidPaneTarget(paneTarget) {
		return fmt.Errorf("tmux: invalid pane target %q", paneTarget)
	}
	bufName := fmt.Sprintf("courier-msg-%d", bufSeq.Add(1))

	cmd := exec.CommandContext(ctx, bin(), "load-buffer", "-b", bufName, "-")
	cmd.Stdin = strings.NewReader(text)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux load-buffer: %w: %s", err, strings.TrimSpace(string(out)))
	}

	// -p bracketed paste, -r keeps LF as LF, -d frees the buffer.
	if err := run(ctx, "paste-buffer", "-pr", "-b", bufName, "-d", "-t", paneTarget); err != nil {
		return err
	}

	if delay == 0 {
		delay = DefaultSubmitDelay
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("tmux submit: %w", ctx.Err())
		case <-t.C:
		}
	}

	return SendKeys(ctx, paneTarget, "Enter")
}

// SendKeys sends keystrokes to a pane.
func SendKeys(ctx context.Context, paneTarget string, keys ...string) error {
	args := make([]string, 0, 3+len(keys))
	args = append(args, "send-keys", "-t", paneTarget)
	args = append(args, keys...)
	return run(ctx, args...)
}

// PaneExists reports whether tmux can resolve the target pane.
func PaneExists(ctx context.Context, paneTarget string) bool {
	if !ValidPaneTarget(paneTarget) {
		return false
	}
	out, err := output(ctx, "display-message", "-t", paneTarget, "-p", "#{pane_id}")
	return err == nil && strings.TrimSpace(out) != ""
}

// PaneCurrentCommand returns the command running in a pane.
func PaneCurrentCommand(ctx context.Context, paneTarget string) (string, error) {
	out, err := output(ctx, "display-message", "-t", paneTarget, "-p", "#{pane_current_command}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, bin(), args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

func output(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, bin(), args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("tmux %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
