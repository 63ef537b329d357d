package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

const fieldSep = "\x1f"

// Fingerprint returns the hex SHA-256 of the event's normalized payload.
// Two events with the same fingerprint are the same disclosure.
func Fingerprint(e *Event) string {
	occurred := ""
	if !e.OccurredAt.IsZero() {
		occurred = e.OccurredAt.UTC().Format(time.RFC3339)
	}
	payload := strings.Join([]string{
		strings.TrimSpace(e.ExternalRef),
		strings.ToUpper(strings.TrimSpace(e.Subject)),
		strings.TrimSpace(e.Category),
		occurred,
		strings.Join(strings.Fields(e.Content), " "),
	}, fieldSep)

	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
