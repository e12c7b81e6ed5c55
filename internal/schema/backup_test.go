package schema

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func sampleBackup() *Backup {
	created := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	due := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	return &Backup{
		FormatVersion: BackupFormatVersion,
		ExportedAt:    created.Add(48 * time.Hour),
		DataVersion:   12,
		Tasks: []Task{
			{
				ID:        "t-1",
				Version:   4,
				Title:     "Plan sprint",
				Status:    StatusTodo,
				Priority:  PriorityHigh,
				Assignee:  "sam",
				DueDate:   &due,
				Tags:      []string{"planning"},
				CreatedAt: created,
				UpdatedAt: created,
			},
			{
				ID:        "t-2",
				Version:   1,
				Title:     "Fix login",
				Status:    StatusBlocked,
				Priority:  PriorityUrgent,
				CreatedAt: created,
				UpdatedAt: created.Add(time.Hour),
			},
		},
	}
}

func TestBackup_EncodeDecode(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatYAML} {
		t.Run(string(format), func(t *testing.T) {
			want := sampleBackup()

			var buf bytes.Buffer
			if err := EncodeBackup(&buf, want, format); err != nil {
				t.Fatalf("EncodeBackup() error = %v", err)
			}
			got, err := DecodeBackup(&buf, format)
			if err != nil {
				t.Fatalf("DecodeBackup() error = %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("DecodeBackup() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBackup_JSONLCarriesTasksOnly(t *testing.T) {
	b := sampleBackup()

	var buf bytes.Buffer
	if err := EncodeBackup(&buf, b, FormatJSONL); err != nil {
		t.Fatalf("EncodeBackup() error = %v", err)
	}
	if lines := strings.Count(buf.String(), "\n"); lines != 2 {
		t.Errorf("EncodeBackup(jsonl) wrote %d lines, want 2", lines)
	}

	got, err := DecodeBackup(&buf, FormatJSONL)
	if err != nil {
		t.Fatalf("DecodeBackup() error = %v", err)
	}
	if diff := cmp.Diff(b.Tasks, got.Tasks); diff != "" {
		t.Errorf("DecodeBackup() tasks mismatch (-want +got):\n%s", diff)
	}
	if got.FormatVersion != BackupFormatVersion {
		t.Errorf("DecodeBackup() FormatVersion = %d, want %d", got.FormatVersion, BackupFormatVersion)
	}
}

func TestDecodeBackup_InvalidJSONL(t *testing.T) {
	input := `{"id":"t-1","title":"ok"}
{not json}
`
	_, err := DecodeBackup(strings.NewReader(input), FormatJSONL)
	if err == nil {
		t.Fatal("DecodeBackup() expected error for malformed line")
	}
	if !strings.Contains(err.Error(), "line 2") {
		t.Errorf("DecodeBackup() error = %v, want line number", err)
	}
}

func TestDecodeBackup_NewerVersion(t *testing.T) {
	_, err := DecodeBackup(strings.NewReader(`{"formatVersion": 99, "tasks": []}`), FormatJSON)
	if err == nil {
		t.Fatal("DecodeBackup() expected error for newer format version")
	}
}

func TestBackupFile_RoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nested", "backup.yaml")
	want := sampleBackup()

	if err := WriteBackupFile(path, want, FormatFromPath(path)); err != nil {
		t.Fatalf("WriteBackupFile() error = %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("WriteBackupFile() left temp file behind")
	}

	got, err := ReadBackupFile(path)
	if err != nil {
		t.Fatalf("ReadBackupFile() error = %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ReadBackupFile() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"json", FormatJSON, false},
		{"", FormatJSON, false},
		{"JSONL", FormatJSONL, false},
		{"yml", FormatYAML, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if got := FormatFromPath("/tmp/out.unknown"); got != FormatJSON {
		t.Errorf("FormatFromPath(unknown) = %v, want json", got)
	}
}
