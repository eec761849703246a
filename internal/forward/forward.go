// Package forward implements the outbound delivery of prompt text to the chat
// surface: a tmux pane, an AMQP exchange, or a local command's stdin.
package forward

import (
	"context"
	"fmt"
	"time"

	"github.com/msageha/courier/internal/logging"
	"github.com/msageha/courier/internal/model"
)

const (
	ModeTmux    = "tmux"
	ModeAMQP    = "amqp"
	ModeCommand = "command"
)

// Forwarder delivers text once. Close releases held connections.
type Forwarder interface {
	Forward(ctx context.Context, text string) error
	Close() error
}

// New builds the forwarder selected by cfg.Mode. An empty mode means tmux.
func New(cfg model.ForwardConfig, logger *logging.Logger) (Forwarder, error) {
	switch cfg.Mode {
	case "", ModeTmux:
		if cfg.Tmux.Pane == "" {
			return nil, fmt.Errorf("forward: tmux mode requires forward.tmux.pane")
		}
		return NewTmux(cfg.Tmux.Pane, time.Duration(cfg.Tmux.SubmitDelayMs)*time.Millisecond, logger), nil
	case ModeAMQP:
		if cfg.AMQP.URL == "" {
			return nil, fmt.Errorf("forward: amqp mode requires forward.amqp.url")
		}
		return NewAMQP(cfg.AMQP, logger), nil
	case ModeCommand:
		if cfg.Command.Path == "" {
			return nil, fmt.Errorf("forward: command mode requires forward.command.path")
		}
		return NewCommand(cfg.Command.Path, cfg.Command.Args, logger), nil
	default:
		return nil, fmt.Errorf("forward: unknown mode %q", cfg.Mode)
	}
}
