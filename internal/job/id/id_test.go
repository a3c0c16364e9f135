package id

import (
	"testing"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

func TestGenerate(t *testing.T) {
	id := Generate()

	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("expected a UUID, got %s: %v", id, err)
	}
	if id == Generate() {
		t.Error("expected different IDs for consecutive calls")
	}
}

func TestGenerate_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := Generate()
		if seen[id] {
			t.Errorf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestCorrelation(t *testing.T) {
	c := Correlation()
	if _, err := ksuid.Parse(c); err != nil {
		t.Errorf("expected a KSUID, got %s: %v", c, err)
	}
	if len(c) != 27 {
		t.Errorf("expected 27 characters, got %d", len(c))
	}
}
