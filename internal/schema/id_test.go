package schema

import (
	"regexp"
	"testing"
	"time"
)

func TestTimeIDs_NewTempID(t *testing.T) {
	fixed := time.UnixMilli(1700000000123)
	gen := TimeIDs{Now: func() time.Time { return fixed }}

	pattern := regexp.MustCompile(`^temp_1700000000123_[0-9a-z]{9}$`)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := gen.NewTempID()
		if !pattern.MatchString(id) {
			t.Fatalf("NewTempID() = %q, want temp_<millis>_<9 chars>", id)
		}
		if seen[id] {
			t.Fatalf("NewTempID() returned duplicate %q", id)
		}
		seen[id] = true
	}
}

func TestSequentialIDs(t *testing.T) {
	var gen SequentialIDs
	if got := gen.NewTempID(); got != "temp_1_test" {
		t.Errorf("NewTempID() = %q, want temp_1_test", got)
	}
	if got := gen.NewTempID(); got != "temp_2_test" {
		t.Errorf("NewTempID() = %q, want temp_2_test", got)
	}
}

func TestIsTemporaryID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"temp_1700000000123_abc123xyz", true},
		{"temp_1_test", true},
		{"t-42", false},
		{"", false},
		{"my_temp_1", false},
	}
	for _, tt := range tests {
		if got := IsTemporaryID(tt.id); got != tt.want {
			t.Errorf("IsTemporaryID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}
