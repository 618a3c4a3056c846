package keygen

import (
	"regexp"
	"testing"
)

func TestNewStreamKeyFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^[0-9a-f]{32}$`)
	key := NewStreamKey()
	if !pattern.MatchString(key) {
		t.Fatalf("expected 32 lowercase hex characters, got %q", key)
	}
}

func TestNewStreamKeyUniqueness(t *testing.T) {
	const n = 10000
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		key := NewStreamKey()
		if _, dup := seen[key]; dup {
			t.Fatalf("duplicate stream key after %d generations: %s", i, key)
		}
		seen[key] = struct{}{}
	}
}

func TestNewSessionIDUniqueness(t *testing.T) {
	const n = 10000
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		id := NewSessionID()
		if len(id) != 26 {
			t.Fatalf("expected 26-character ULID, got %q", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate session id after %d generations: %s", i, id)
		}
		seen[id] = struct{}{}
	}
}
