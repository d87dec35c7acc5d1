package yaml

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validCascade = "cascade_id: ok\nphases:\n  - name: a\n    tool: sql_data\n    inputs:\n      query: SELECT 1\n"

func TestQuarantine(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "corrupted.yaml")
	os.WriteFile(filePath, []byte("phases: [\n"), 0644)

	quarantineDir := filepath.Join(dir, "quarantine")
	dst, err := Quarantine(quarantineDir, filePath)
	if err != nil {
		t.Fatalf("Quarantine failed: %v", err)
	}

	if _, err := os.Stat(filePath); !os.IsNotExist(err) {
		t.Error("original file should be removed after quarantine")
	}
	name := filepath.Base(dst)
	if !strings.HasPrefix(name, "corrupted.yaml.") || !strings.HasSuffix(name, ".corrupt") {
		t.Errorf("unexpected quarantine filename: %s", name)
	}
	if _, err := os.Stat(dst); err != nil {
		t.Errorf("quarantined file missing: %v", err)
	}
}

func TestRestoreFromBackup(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "cascade.yaml")
	os.WriteFile(filePath+".bak", []byte(validCascade), 0644)

	if err := RestoreFromBackup(filePath); err != nil {
		t.Fatalf("RestoreFromBackup failed: %v", err)
	}
	doc, err := LoadFile(filePath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if doc.ID != "ok" {
		t.Errorf("cascade_id: got %q", doc.ID)
	}
}

func TestRestoreFromBackup_NoBackup(t *testing.T) {
	if err := RestoreFromBackup(filepath.Join(t.TempDir(), "cascade.yaml")); err == nil {
		t.Error("expected error when no backup exists")
	}
}

func TestRestoreFromBackup_CorruptBackup(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "cascade.yaml")
	os.WriteFile(filePath+".bak", []byte("- just\n- a list\n"), 0644)

	if err := RestoreFromBackup(filePath); err == nil {
		t.Error("expected error when backup is also corrupted")
	}
}

func TestRecoverFile(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		backup     string
		wantAction RecoveryAction
		wantID     string
	}{
		{"valid file untouched", validCascade, "", "", "ok"},
		{"backup restored", "phases: [\n", validCascade, RecoveredFromBackup, "ok"},
		{"template when backup corrupt", "phases: [\n", "phases: [\n", RecoveredWithTemplate, "new_cascade"},
		{"template when file missing", "", "", RecoveredWithTemplate, "new_cascade"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			filePath := filepath.Join(dir, "cascade.yaml")
			if tt.content != "" {
				os.WriteFile(filePath, []byte(tt.content), 0644)
			}
			if tt.backup != "" {
				os.WriteFile(filePath+".bak", []byte(tt.backup), 0644)
			}

			action, err := RecoverFile(filepath.Join(dir, "quarantine"), filePath)
			if err != nil {
				t.Fatalf("RecoverFile failed: %v", err)
			}
			if action != tt.wantAction {
				t.Errorf("action: got %q, want %q", action, tt.wantAction)
			}
			doc, err := LoadFile(filePath)
			if err != nil {
				t.Fatalf("recovered file does not parse: %v", err)
			}
			if doc.ID != tt.wantID {
				t.Errorf("cascade_id: got %q, want %q", doc.ID, tt.wantID)
			}
		})
	}
}
