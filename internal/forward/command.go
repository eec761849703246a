package forward

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/msageha/courier/internal/logging"
)

// Command runs a local program per prompt with the prompt text on stdin.
type Command struct {
	path   string
	args   []string
	logger *logging.Logger
}

func NewCommand(path string, args []string, logger *logging.Logger) *Command {
	return &Command{path: path, args: append([]string(nil), args...), logger: logger.With("forward.command")}
}

func (c *Command) Forward(ctx context.Context, text string) error {
	cmd := exec.CommandContext(ctx, c.path, c.args...)
	cmd.Stdin = strings.NewReader(text)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("forward command %s: %w: %s", c.path, err, strings.TrimSpace(string(out)))
	}
	c.logger.Debugf("%s accepted %d bytes", c.path, len(text))
	return nil
}

func (c *Command) Close() error { return nil }
