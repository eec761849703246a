package yaml

import (
	"errors"
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"
)

const CurrentSchemaVersion = 1

// File types of the three courier documents.
const (
	FileTypePromptQueue       = "prompt_queue"
	FileTypeTimerEntries      = "timer_entries"
	FileTypeReminderTemplates = "reminder_templates"
)

// ErrInvalidHeader marks a document whose schema_version/file_type header
// cannot be trusted; callers quarantine such files.
var ErrInvalidHeader = errors.New("invalid document header")

type SchemaHeader struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
}

func knownFileType(ft string) bool {
	switch ft {
	case FileTypePromptQueue, FileTypeTimerEntries, FileTypeReminderTemplates:
		return true
	}
	return false
}

func ValidateSchemaHeader(path string, expectedFileType string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	return ValidateSchemaHeaderFromBytes(content, expectedFileType)
}

// ValidateSchemaHeaderFromBytes checks the header of a document. An empty
// expectedFileType accepts any courier document.
func ValidateSchemaHeaderFromBytes(content []byte, expectedFileType string) error {
	var h SchemaHeader
	if err := yamlv3.Unmarshal(content, &h); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	if problem := h.problem(expectedFileType); problem != "" {
		return fmt.Errorf("%w: %s", ErrInvalidHeader, problem)
	}
	return nil
}

func (h SchemaHeader) problem(expected string) string {
	switch {
	case h.SchemaVersion < 1:
		return fmt.Sprintf("schema_version %d, want 1..%d", h.SchemaVersion, CurrentSchemaVersion)
	case h.SchemaVersion > CurrentSchemaVersion:
		return fmt.Sprintf("schema_version %d is newer than this build supports (%d)", h.SchemaVersion, CurrentSchemaVersion)
	case h.FileType == "":
		return "missing file_type"
	case !knownFileType(h.FileType):
		return fmt.Sprintf("unknown file_type %q", h.FileType)
	case expected != "" && h.FileType != expected:
		return fmt.Sprintf("file_type %q, want %q", h.FileType, expected)
	}
	return ""
}
