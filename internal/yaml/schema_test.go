package yaml

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestValidateSchemaHeader_Valid(t *testing.T) {
	for _, ft := range []string{FileTypePromptQueue, FileTypeTimerEntries, FileTypeReminderTemplates} {
		content := []byte("schema_version: 1\nfile_type: " + ft + "\n")
		if err := ValidateSchemaHeaderFromBytes(content, ft); err != nil {
			t.Errorf("%s: unexpected error: %v", ft, err)
		}
	}
}

func TestValidateSchemaHeader_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.yaml")
	if err := os.WriteFile(path, []byte("schema_version: 1\nfile_type: prompt_queue\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := ValidateSchemaHeader(path, FileTypePromptQueue); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateSchemaHeader(path+".missing", FileTypePromptQueue); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidateSchemaHeader_Rejects(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected string
	}{
		{"unsupported version", "schema_version: 99\nfile_type: prompt_queue\n", FileTypePromptQueue},
		{"negative version", "schema_version: -1\nfile_type: prompt_queue\n", FileTypePromptQueue},
		{"missing version", "file_type: prompt_queue\n", FileTypePromptQueue},
		{"missing file type", "schema_version: 1\n", FileTypePromptQueue},
		{"unknown file type", "schema_version: 1\nfile_type: queue_command\n", "queue_command"},
		{"mismatch", "schema_version: 1\nfile_type: timer_entries\n", FileTypePromptQueue},
		{"not yaml", "schema_version: [\n", FileTypePromptQueue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSchemaHeaderFromBytes([]byte(tt.content), tt.expected)
			if !errors.Is(err, ErrInvalidHeader) {
				t.Errorf("got %v, want ErrInvalidHeader", err)
			}
		})
	}
}

func TestValidateSchemaHeader_EmptyExpectedType(t *testing.T) {
	content := []byte("schema_version: 1\nfile_type: reminder_templates\n")
	if err := ValidateSchemaHeaderFromBytes(content, ""); err != nil {
		t.Errorf("expected valid when no expected type specified, got: %v", err)
	}
}
