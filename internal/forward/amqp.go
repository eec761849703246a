package forward

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/msageha/courier/internal/logging"
	"github.com/msageha/courier/internal/model"
)

// MessageType is the envelope type of every published prompt.
const MessageType = "courier.prompt"

// DialFunc opens a broker connection.
type DialFunc func(ctx context.Context, url string) (*amqp.Connection, error)

// Envelope is the JSON body published for each prompt.
type Envelope struct {
	ID     string       `json:"id"`
	Type   string       `json:"type"`
	Source string       `json:"source,omitempty"`
	Time   time.Time    `json:"time"`
	Data   envelopeData `json:"data"`
}

type envelopeData struct {
	Text string `json:"text"`
}

// AMQP publishes prompts as persistent JSON messages. The connection is
// opened on first use and reopened after a failed publish.
type AMQP struct {
	cfg    model.AMQPForward
	dial   DialFunc
	newID  func() string
	now    func() time.Time
	logger *logging.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQP(cfg model.AMQPForward, logger *logging.Logger) *AMQP {
	if cfg.AppID == "" {
		cfg.AppID = "courier"
	}
	return &AMQP{
		cfg:    cfg,
		dial:   func(_ context.Context, u string) (*amqp.Connection, error) { return amqp.Dial(u) },
		newID:  uuid.NewString,
		now:    time.Now,
		logger: logger.With("forward.amqp"),
	}
}

// SetDialer replaces the broker dialer.
func (a *AMQP) SetDialer(d DialFunc) { a.dial = d }

func (a *AMQP) Forward(ctx context.Context, text string) error {
	msg, err := a.publishing(text)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	ch, err := a.channelLocked(ctx)
	if err != nil {
		return err
	}
	if err := ch.PublishWithContext(ctx, a.cfg.Exchange, a.cfg.RoutingKey, false, false, msg); err != nil {
		a.resetLocked()
		return fmt.Errorf("amqp publish: %w", err)
	}
	a.logger.Debugf("published %s to exchange=%q key=%q", msg.MessageId, a.cfg.Exchange, a.cfg.RoutingKey)
	return nil
}

func (a *AMQP) publishing(text string) (amqp.Publishing, error) {
	env := Envelope{
		ID:     a.newID(),
		Type:   MessageType,
		Source: a.cfg.AppID,
		Time:   a.now().UTC(),
		Data:   envelopeData{Text: text},
	}
	body, err := json.Marshal(env)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal envelope: %w", err)
	}
	return amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.ID,
		CorrelationId: env.ID,
		Type:          env.Type,
		Timestamp:     env.Time,
		AppId:         a.cfg.AppID,
	}, nil
}

func (a *AMQP) channelLocked(ctx context.Context) (*amqp.Channel, error) {
	if a.ch != nil && !a.ch.IsClosed() {
		return a.ch, nil
	}
	a.resetLocked()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	conn, err := a.dial(ctx, a.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial %s: %w", redactURL(a.cfg.URL), err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	a.conn, a.ch = conn, ch
	a.logger.Infof("connected to %s", redactURL(a.cfg.URL))
	return ch, nil
}

func (a *AMQP) resetLocked() {
	if a.ch != nil {
		_ = a.ch.Close()
		a.ch = nil
	}
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	if a.ch != nil {
		if err := a.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
		a.ch = nil
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
		a.conn = nil
	}
	return errors.Join(errs...)
}

// redactURL drops credentials so the broker URL is safe to log.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}
