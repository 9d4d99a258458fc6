package ticker

import (
	"errors"
	"testing"
)

func TestFormatParse_RoundTrip(t *testing.T) {
	s := Format("9f1c2b4a-55e1-4f90-8f13-1f2d3c4b5a69", "alice")
	ref, err := Parse(s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ref.RoundID != "9f1c2b4a-55e1-4f90-8f13-1f2d3c4b5a69" {
		t.Errorf("wrong round id: %s", ref.RoundID)
	}
	if ref.ParticipantID != "alice" {
		t.Errorf("wrong participant id: %s", ref.ParticipantID)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []string{
		"",
		"RFL:",
		"RFL:only-one-part",
		"XXX:round:participant",
		"RFL:round:participant:extra",
		"RFL:round:has space",
	}
	for _, s := range tests {
		if _, err := Parse(s); !errors.Is(err, ErrInvalidTicker) {
			t.Errorf("Parse(%q): expected ErrInvalidTicker, got %v", s, err)
		}
	}
}
