package yaml

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/msageha/cascadeview/templates"
)

// RecoveryAction says how a corrupted cascade file was replaced.
type RecoveryAction string

const (
	RecoveredFromBackup   RecoveryAction = "restored_backup"
	RecoveredWithTemplate RecoveryAction = "default_template"
)

// Quarantine moves filePath into quarantineDir under a timestamped name and
// returns the new path.
func Quarantine(quarantineDir, filePath string) (string, error) {
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), time.Now().Format("20060102T150405"))
	dst := filepath.Join(quarantineDir, name)
	if err := os.Rename(filePath, dst); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return dst, nil
}

// RestoreFromBackup replaces filePath with its backup when the backup
// parses as a cascade document.
func RestoreFromBackup(filePath string) error {
	bakPath := filePath + BackupSuffix
	content, err := os.ReadFile(bakPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("no backup file: %s", bakPath)
	}
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if _, err := Parse(content); err != nil {
		return fmt.Errorf("backup is also corrupted: %w", err)
	}
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove damaged cascade: %w", err)
	}
	if err := replaceFile(filePath, content, wellFormed); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}
	return nil
}

// WriteDefault writes the embedded starter cascade to filePath.
func WriteDefault(filePath string) error {
	content, err := fs.ReadFile(templates.FS, templates.DefaultCascade)
	if err != nil {
		return fmt.Errorf("read template: %w", err)
	}
	return AtomicWriteRaw(filePath, content)
}

// RecoverFile quarantines an unparseable cascade file, then restores its
// backup or, failing that, writes the starter cascade. A file that parses is
// left alone and reported with an empty action.
func RecoverFile(quarantineDir, filePath string) (RecoveryAction, error) {
	content, err := os.ReadFile(filePath)
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("read cascade: %w", err)
	}
	if err == nil {
		if _, perr := Parse(content); perr == nil {
			return "", nil
		}
		if _, err := Quarantine(quarantineDir, filePath); err != nil {
			return "", fmt.Errorf("quarantine failed: %w", err)
		}
	}

	if err := RestoreFromBackup(filePath); err == nil {
		return RecoveredFromBackup, nil
	}
	if err := WriteDefault(filePath); err != nil {
		return "", fmt.Errorf("write default cascade: %w", err)
	}
	return RecoveredWithTemplate, nil
}
