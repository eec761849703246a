package store

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/courier/internal/logging"
	"github.com/msageha/courier/internal/model"
	yamlutil "github.com/msageha/courier/internal/yaml"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), "/home/dev/My Project", "sess 1", logging.Discard())
	require.NoError(t, err)
	return s
}

func TestWorkspaceKey(t *testing.T) {
	k1 := WorkspaceKey("/home/dev/My Project")
	k2 := WorkspaceKey("/srv/My Project")

	assert.True(t, strings.HasPrefix(k1, "My_Project-"), k1)
	assert.Len(t, k1, len("My_Project-")+8)
	assert.NotEqual(t, k1, k2, "same base name in different dirs must not collide")
	assert.Equal(t, k1, WorkspaceKey("/home/dev/My Project"))
}

func TestAnswerPath(t *testing.T) {
	s := newTestStore(t)

	assert.Equal(t, filepath.Join(s.Dir(), "answers", "answer_sess_1.json"), s.AnswerPath())
	info, err := os.Stat(s.AnswerDir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestLoadQueue_MissingFileIsEmpty(t *testing.T) {
	s := newTestStore(t)

	doc, err := s.LoadQueue()
	require.NoError(t, err)
	assert.Equal(t, yamlutil.FileTypePromptQueue, doc.FileType)
	assert.Empty(t, doc.Prompts)
}

func TestSaveLoadQueue(t *testing.T) {
	s := newTestStore(t)
	sent := "2026-10-15T09:00:00Z"

	require.NoError(t, s.SaveQueue(model.PromptQueue{Prompts: []model.QueuedPrompt{
		{ID: "prm_1", Status: model.PromptStatusSending, OriginalText: "hello", SentAt: &sent,
			FollowUps: []model.FollowUpPrompt{{ID: "fup_1", Text: "next"}}},
	}}))

	doc, err := s.LoadQueue()
	require.NoError(t, err)
	assert.Equal(t, 1, doc.SchemaVersion)
	require.Len(t, doc.Prompts, 1)
	assert.Equal(t, "hello", doc.Prompts[0].OriginalText)
	assert.Equal(t, sent, *doc.Prompts[0].SentAt)
	assert.Equal(t, "next", doc.Prompts[0].FollowUps[0].Text)
}

func TestSaveLoadTimersAndReminders(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveTimers(model.TimerEntries{
		Enabled: true,
		Slots:   []model.TimerScheduleSlot{{Name: "office", Kind: model.SlotKindWeekdays, Weekdays: []int{1, 2}}},
		Entries: []model.TimedEntry{{ID: "tmr_1", ScheduleMode: model.ScheduleModeInterval, IntervalMinutes: 5}},
	}))
	require.NoError(t, s.SaveReminders(model.ReminderTemplates{
		Templates: []model.ReminderTemplate{model.DefaultReminderTemplate()},
	}))

	timers, err := s.LoadTimers()
	require.NoError(t, err)
	assert.True(t, timers.Enabled)
	assert.Equal(t, []int{1, 2}, timers.Slots[0].Weekdays)
	assert.Equal(t, 5, timers.Entries[0].IntervalMinutes)

	rem, err := s.LoadReminders()
	require.NoError(t, err)
	require.Len(t, rem.Templates, 1)
	assert.True(t, rem.Templates[0].IsDefault)
}

func TestLoadQueue_RecoversFromBackup(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveQueue(model.PromptQueue{Prompts: []model.QueuedPrompt{{ID: "prm_old"}}}))
	require.NoError(t, s.SaveQueue(model.PromptQueue{Prompts: []model.QueuedPrompt{{ID: "prm_new"}}}))

	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), QueueFile), []byte("prompts: [\n"), 0644))

	doc, err := s.LoadQueue()
	require.NoError(t, err)
	require.Len(t, doc.Prompts, 1)
	assert.Equal(t, "prm_old", doc.Prompts[0].ID)

	entries, err := os.ReadDir(filepath.Join(s.Dir(), "quarantine"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLoadTimers_WrongFileTypeGetsSkeleton(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), TimersFile),
		[]byte("schema_version: 1\nfile_type: prompt_queue\nprompts: []\n"), 0644))

	doc, err := s.LoadTimers()
	require.NoError(t, err)
	assert.Equal(t, yamlutil.FileTypeTimerEntries, doc.FileType)
	assert.Empty(t, doc.Entries)
}

func TestConcurrentSaves(t *testing.T) {
	s := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.SaveQueue(model.PromptQueue{Prompts: make([]model.QueuedPrompt, i)})
		}(i)
	}
	wg.Wait()

	_, err := s.LoadQueue()
	require.NoError(t, err)
}

func TestLayout(t *testing.T) {
	courierDir := "/home/dev/proj/.courier"

	root, ws := Layout(courierDir, model.Config{})
	assert.Equal(t, "/home/dev/proj/.courier/state", root)
	assert.Equal(t, "/home/dev/proj", ws)

	cfg := model.Config{
		Project: model.ProjectConfig{Workspace: "/srv/other"},
		Storage: model.StorageConfig{Dir: "var/courier"},
	}
	root, ws = Layout(courierDir, cfg)
	assert.Equal(t, "/home/dev/proj/var/courier", root)
	assert.Equal(t, "/srv/other", ws)

	assert.Equal(t, filepath.Join("/home/dev/proj/var/courier", WorkspaceKey("/srv/other")), DirFor(courierDir, cfg))
}

func TestOpenCreatesAnswerDir(t *testing.T) {
	courierDir := filepath.Join(t.TempDir(), ".courier")
	s, err := Open(courierDir, model.Config{Storage: model.StorageConfig{Session: "main"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, DirFor(courierDir, model.Config{}), s.Dir())
	assert.DirExists(t, s.AnswerDir())
	assert.Equal(t, "answer_main.json", filepath.Base(s.AnswerPath()))
}
