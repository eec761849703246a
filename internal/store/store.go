// Package store persists the queue, timer and reminder documents of one
// workspace as YAML under <root>/<workspaceKey>/.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/msageha/courier/internal/lock"
	"github.com/msageha/courier/internal/logging"
	"github.com/msageha/courier/internal/model"
	yamlutil "github.com/msageha/courier/internal/yaml"
)

const (
	QueueFile     = "queue.yaml"
	TimersFile    = "timers.yaml"
	RemindersFile = "reminders.yaml"

	answersDir     = "answers"
	defaultSession = "default"
)

var unsafeNameRe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// WorkspaceKey derives the per-workspace directory name: the sanitized base
// name plus 8 hex chars of sha256 over the absolute path.
func WorkspaceKey(workspace string) string {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		abs = workspace
	}
	sum := sha256.Sum256([]byte(abs))
	base := sanitize(filepath.Base(abs))
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "workspace"
	}
	return base + "-" + hex.EncodeToString(sum[:])[:8]
}

func sanitize(name string) string {
	return strings.Trim(unsafeNameRe.ReplaceAllString(name, "_"), "_")
}

type Store struct {
	dir     string
	session string
	locks   *lock.MutexMap
	loads   singleflight.Group
	logger  *logging.Logger
}

// New prepares <root>/<WorkspaceKey(workspace)> and its answers directory.
func New(root, workspace, session string, logger *logging.Logger) (*Store, error) {
	dir := filepath.Join(root, WorkspaceKey(workspace))
	if err := os.MkdirAll(filepath.Join(dir, answersDir), 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	session = sanitize(session)
	if session == "" {
		session = defaultSession
	}
	return &Store{
		dir:     dir,
		session: session,
		locks:   lock.NewMutexMap(),
		logger:  logger,
	}, nil
}

// Layout resolves the storage root and workspace of a courier directory.
// The workspace defaults to the directory containing .courier/ and the root
// to .courier/state.
func Layout(courierDir string, cfg model.Config) (root, workspace string) {
	root = cfg.Storage.Dir
	if root == "" {
		root = filepath.Join(courierDir, "state")
	} else if !filepath.IsAbs(root) {
		root = filepath.Join(filepath.Dir(courierDir), root)
	}
	workspace = cfg.Project.Workspace
	if workspace == "" {
		workspace = filepath.Dir(courierDir)
	}
	return root, workspace
}

// DirFor is the document directory Open would use, without creating it.
func DirFor(courierDir string, cfg model.Config) string {
	root, workspace := Layout(courierDir, cfg)
	return filepath.Join(root, WorkspaceKey(workspace))
}

// Open is New over the layout of courierDir.
func Open(courierDir string, cfg model.Config, logger *logging.Logger) (*Store, error) {
	root, workspace := Layout(courierDir, cfg)
	return New(root, workspace, cfg.Storage.Session, logger)
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) AnswerDir() string { return filepath.Join(s.dir, answersDir) }

// AnswerPath is the completion-signal file the chat surface writes for this session.
func (s *Store) AnswerPath() string {
	return filepath.Join(s.AnswerDir(), "answer_"+s.session+".json")
}

func (s *Store) LoadQueue() (model.PromptQueue, error) {
	return load(s, QueueFile, yamlutil.FileTypePromptQueue, func() model.PromptQueue {
		return model.PromptQueue{
			SchemaVersion: yamlutil.CurrentSchemaVersion,
			FileType:      yamlutil.FileTypePromptQueue,
		}
	})
}

func (s *Store) SaveQueue(doc model.PromptQueue) error {
	doc.SchemaVersion = yamlutil.CurrentSchemaVersion
	doc.FileType = yamlutil.FileTypePromptQueue
	return s.save(QueueFile, doc)
}

func (s *Store) LoadTimers() (model.TimerEntries, error) {
	return load(s, TimersFile, yamlutil.FileTypeTimerEntries, func() model.TimerEntries {
		return model.TimerEntries{
			SchemaVersion: yamlutil.CurrentSchemaVersion,
			FileType:      yamlutil.FileTypeTimerEntries,
		}
	})
}

func (s *Store) SaveTimers(doc model.TimerEntries) error {
	doc.SchemaVersion = yamlutil.CurrentSchemaVersion
	doc.FileType = yamlutil.FileTypeTimerEntries
	return s.save(TimersFile, doc)
}

func (s *Store) LoadReminders() (model.ReminderTemplates, error) {
	return load(s, RemindersFile, yamlutil.FileTypeReminderTemplates, func() model.ReminderTemplates {
		return model.ReminderTemplates{
			SchemaVersion: yamlutil.CurrentSchemaVersion,
			FileType:      yamlutil.FileTypeReminderTemplates,
		}
	})
}

func (s *Store) SaveReminders(doc model.ReminderTemplates) error {
	doc.SchemaVersion = yamlutil.CurrentSchemaVersion
	doc.FileType = yamlutil.FileTypeReminderTemplates
	return s.save(RemindersFile, doc)
}

func (s *Store) save(name string, doc any) error {
	path := filepath.Join(s.dir, name)
	return s.locks.WithLock(path, func() error {
		if err := yamlutil.AtomicWrite(path, doc); err != nil {
			return fmt.Errorf("save %s: %w", name, err)
		}
		return nil
	})
}

// load reads a document, recovering it from .bak or a skeleton when the file
// is corrupt. Concurrent loads of the same file share one read.
func load[T any](s *Store, name, fileType string, fresh func() T) (T, error) {
	path := filepath.Join(s.dir, name)
	v, err, _ := s.loads.Do(path, func() (any, error) {
		s.locks.Lock(path)
		defer s.locks.Unlock(path)

		doc := fresh()
		found, err := yamlutil.ReadInto(path, &doc)
		if !found && err == nil {
			return doc, nil
		}
		if err == nil {
			err = yamlutil.ValidateSchemaHeader(path, fileType)
		}
		if err == nil {
			return doc, nil
		}

		s.logger.Warnf("corrupt document file=%s error=%v, recovering", name, err)
		if rerr := yamlutil.RecoverCorruptedFile(s.dir, path, fileType); rerr != nil {
			return fresh(), fmt.Errorf("recover %s: %w", name, rerr)
		}
		doc = fresh()
		if _, err := yamlutil.ReadInto(path, &doc); err != nil {
			return fresh(), fmt.Errorf("reload %s: %w", name, err)
		}
		return doc, nil
	})
	if err != nil {
		return fresh(), err
	}
	return v.(T), nil
}
