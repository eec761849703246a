package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/msageha/courier/internal/expand"
	"github.com/msageha/courier/internal/logging"
	"github.com/msageha/courier/internal/model"
)

type memStore struct {
	mu      sync.Mutex
	doc     model.PromptQueue
	saves   int
	saveErr error
}

func (m *memStore) LoadQueue() (model.PromptQueue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc, nil
}

func (m *memStore) SaveQueue(doc model.PromptQueue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.doc = doc
	return nil
}

type recordingForwarder struct {
	mu    sync.Mutex
	texts []string
	err   error
	hook  func(text string)
}

func (f *recordingForwarder) Forward(_ context.Context, text string) error {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	hook, err := f.hook, f.err
	f.mu.Unlock()
	if hook != nil {
		hook(text)
	}
	return err
}

func (f *recordingForwarder) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

// stepClock advances one second per reading so creation order is observable.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fixture struct {
	q     *Queue
	fwd   *recordingForwarder
	store *memStore
	exp   *expand.Expander
	clock *stepClock
	rid   int
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	dir := t.TempDir()
	opts := Options{
		AutoSend:       true,
		MaxSentHistory: 50,
		MaxItems:       200,
		ForwardTimeout: time.Second,
		AnswerPath:     filepath.Join(dir, "answer_default.json"),
	}
	for _, m := range mutate {
		m(&opts)
	}
	f := &fixture{
		fwd:   &recordingForwarder{},
		store: &memStore{},
		clock: &stepClock{now: time.Date(2026, 10, 13, 9, 0, 0, 0, time.UTC)},
	}
	f.exp = expand.New(model.TemplateConfig{
		Templates: map[string]string{"review": "Please review:\n{{prompt}}"},
	}, opts.AnswerPath)
	f.exp.SetRequestIDGenerator(func() string {
		f.rid++
		return fmt.Sprintf("rid-%d", f.rid)
	})
	f.q = New(opts, f.fwd, f.exp, f.store, nil, logging.Discard())
	f.q.SetClock(f.clock.Now)
	t.Cleanup(f.q.Close)
	return f
}

func (f *fixture) enqueue(t *testing.T, req EnqueueRequest) model.QueuedPrompt {
	t.Helper()
	p, err := f.q.Enqueue(req)
	require.NoError(t, err)
	return p
}

func (f *fixture) status(t *testing.T, id string) model.PromptStatus {
	t.Helper()
	p, ok := f.q.Get(id)
	require.True(t, ok, "item %s missing", id)
	return p.Status
}

func sendingCount(items []model.QueuedPrompt) int {
	n := 0
	for _, p := range items {
		if p.Status == model.PromptStatusSending {
			n++
		}
	}
	return n
}

var errSurfaceDown = errors.New("surface down")
