package yaml

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/msageha/courier/internal/logging"
)

var recoveryLogger atomic.Pointer[logging.Logger]

// SetLogger routes recovery notices to l. Without it they are discarded.
func SetLogger(l *logging.Logger) {
	recoveryLogger.Store(l)
}

// Quarantine moves a corrupt document into <stateDir>/quarantine.
func Quarantine(stateDir, filePath string) error {
	quarantineDir := filepath.Join(stateDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return fmt.Errorf("create quarantine dir: %w", err)
	}

	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), time.Now().Format("20060102T150405"))
	quarantinePath := filepath.Join(quarantineDir, name)

	if err := os.Rename(filePath, quarantinePath); err != nil {
		return fmt.Errorf("move to quarantine: %w", err)
	}

	recoveryLogger.Load().Warnf("quarantined corrupted file: %s -> %s", filePath, quarantinePath)
	return nil
}

func RestoreFromBackup(filePath, fileType string) error {
	bakPath := filePath + ".bak"
	content, err := os.ReadFile(bakPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no backup file: %s", bakPath)
		}
		return fmt.Errorf("read backup: %w", err)
	}

	if err := ValidateSchemaHeaderFromBytes(content, fileType); err != nil {
		return fmt.Errorf("backup is also corrupted: %w", err)
	}

	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}

	recoveryLogger.Load().Infof("restored from backup: %s -> %s", bakPath, filePath)
	return nil
}

func GenerateSkeleton(filePath string, fileType string) error {
	if err := AtomicWrite(filePath, skeletonFor(fileType)); err != nil {
		return fmt.Errorf("write skeleton: %w", err)
	}

	recoveryLogger.Load().Infof("generated skeleton: %s (type: %s)", filePath, fileType)
	return nil
}

// RecoverCorruptedFile quarantines filePath, then restores the .bak copy or
// falls back to an empty skeleton of fileType.
func RecoverCorruptedFile(stateDir, filePath, fileType string) error {
	if err := Quarantine(stateDir, filePath); err != nil {
		return fmt.Errorf("quarantine failed: %w", err)
	}

	if err := RestoreFromBackup(filePath, fileType); err != nil {
		recoveryLogger.Load().Warnf("backup restore failed for %s: %v, falling back to skeleton generation", filePath, err)
	} else {
		return nil
	}

	if err := GenerateSkeleton(filePath, fileType); err != nil {
		return fmt.Errorf("skeleton generation failed: %w", err)
	}
	return nil
}

func skeletonFor(fileType string) any {
	switch fileType {
	case FileTypePromptQueue:
		return map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      FileTypePromptQueue,
			"prompts":        []any{},
		}
	case FileTypeTimerEntries:
		return map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      FileTypeTimerEntries,
			"enabled":        false,
			"slots":          []any{},
			"entries":        []any{},
		}
	case FileTypeReminderTemplates:
		return map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      FileTypeReminderTemplates,
			"templates":      []any{},
		}
	default:
		return map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      fileType,
		}
	}
}
