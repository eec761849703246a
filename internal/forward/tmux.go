package forward

import (
	"context"
	"time"

	"github.com/msageha/courier/internal/logging"
	"github.com/msageha/courier/internal/tmux"
)

// Tmux pastes prompts into a pane and presses Enter.
type Tmux struct {
	pane   string
	delay  time.Duration
	logger *logging.Logger
	send   func(ctx context.Context, pane, text string, delay time.Duration) error
}

func NewTmux(pane string, submitDelay time.Duration, logger *logging.Logger) *Tmux {
	return &Tmux{
		pane:   pane,
		delay:  submitDelay,
		logger: logger.With("forward.tmux"),
		send:   tmux.SendTextAndSubmit,
	}
}

func (t *Tmux) Forward(ctx context.Context, text string) error {
	if err := t.send(ctx, t.pane, text, t.delay); err != nil {
		return err
	}
	t.logger.Debugf("pasted %d bytes into %s", len(text), t.pane)
	return nil
}

func (t *Tmux) Close() error { return nil }
