// Package ticker handles derivative-market ticker formatting and parsing.
// Every participant market is addressable by a human-readable symbol so the
// trading front-end does not need to look up opaque market IDs.
package ticker

import (
	"errors"
	"fmt"
	"regexp"
)

// tickerRegex matches: RFL:{roundID}:{participantID}
// Example: RFL:9f1c2b4a-55e1-4f90-8f13-1f2d3c4b5a69:alice
var tickerRegex = regexp.MustCompile(
	`^RFL:([0-9A-Za-z-]+):([0-9A-Za-z_.-]+)$`,
)

var (
	// ErrInvalidTicker is returned for a malformed ticker string.
	ErrInvalidTicker = errors.New("ticker: invalid ticker format")
)

// MarketRef identifies the round and participant a ticker points at.
type MarketRef struct {
	Ticker        string `json:"ticker"`
	RoundID       string `json:"round_id"`
	ParticipantID string `json:"participant_id"`
}

// Format builds the canonical ticker for a participant market.
func Format(roundID, participantID string) string {
	return fmt.Sprintf("RFL:%s:%s", roundID, participantID)
}

// Parse validates a ticker string and extracts its components.
// Format: RFL:{roundID}:{participantID}
func Parse(t string) (*MarketRef, error) {
	matches := tickerRegex.FindStringSubmatch(t)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected RFL:{round}:{participant})",
			ErrInvalidTicker, t)
	}
	return &MarketRef{
		Ticker:        t,
		RoundID:       matches[1],
		ParticipantID: matches[2],
	}, nil
}
