package schema

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BackupFormatVersion is written into every json and yaml backup.
const BackupFormatVersion = 1

// Format is a backup file encoding.
type Format string

const (
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
	FormatYAML  Format = "yaml"
)

// Backup is the portable snapshot produced by an export.
type Backup struct {
	FormatVersion int       `json:"formatVersion" yaml:"formatVersion"`
	ExportedAt    time.Time `json:"exportedAt" yaml:"exportedAt"`
	DataVersion   int64     `json:"dataVersion" yaml:"dataVersion"`
	Tasks         []Task    `json:"tasks" yaml:"tasks"`
}

// ParseFormat converts a user supplied format name.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json", "":
		return FormatJSON, nil
	case "jsonl", "ndjson":
		return FormatJSONL, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unknown backup format %q (want json, jsonl or yaml)", s)
	}
}

// FormatFromPath guesses the format from a file extension, defaulting to json.
func FormatFromPath(path string) Format {
	f, err := ParseFormat(strings.TrimPrefix(filepath.Ext(path), "."))
	if err != nil {
		return FormatJSON
	}
	return f
}

// EncodeBackup writes b to w in the given format. JSONL carries only the
// tasks, one per line.
func EncodeBackup(w io.Writer, b *Backup, format Format) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(b); err != nil {
			return fmt.Errorf("failed to encode json backup: %w", err)
		}
	case FormatJSONL:
		enc := json.NewEncoder(w)
		for i := range b.Tasks {
			if err := enc.Encode(&b.Tasks[i]); err != nil {
				return fmt.Errorf("failed to encode task %s: %w", b.Tasks[i].ID, err)
			}
		}
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(b); err != nil {
			return fmt.Errorf("failed to encode yaml backup: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("failed to flush yaml backup: %w", err)
		}
	default:
		return fmt.Errorf("unknown backup format %q", format)
	}
	return nil
}

// DecodeBackup reads a backup written by EncodeBackup.
func DecodeBackup(r io.Reader, format Format) (*Backup, error) {
	var b Backup
	switch format {
	case FormatJSON:
		if err := json.NewDecoder(r).Decode(&b); err != nil {
			return nil, fmt.Errorf("invalid json backup: %w", err)
		}
	case FormatJSONL:
		decoder := json.NewDecoder(bufio.NewReader(r))
		lineNum := 0
		for {
			var task Task
			if err := decoder.Decode(&task); err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum+1, err)
			}
			lineNum++
			b.Tasks = append(b.Tasks, task)
		}
		b.FormatVersion = BackupFormatVersion
	case FormatYAML:
		if err := yaml.NewDecoder(r).Decode(&b); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("invalid yaml backup: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown backup format %q", format)
	}

	if b.FormatVersion > BackupFormatVersion {
		return nil, fmt.Errorf("backup format version %d is newer than supported version %d", b.FormatVersion, BackupFormatVersion)
	}
	return &b, nil
}

// WriteBackupFile writes b to path atomically via a temp file.
func WriteBackupFile(path string, b *Backup, format Format) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if err := EncodeBackup(f, b, format); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// ReadBackupFile reads a backup, choosing the decoder from the file extension.
func ReadBackupFile(path string) (*Backup, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open backup file: %w", err)
	}
	defer f.Close()

	return DecodeBackup(f, FormatFromPath(path))
}
