package app

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// newSummaryID returns an identifier for a committed change summary. The
// leading commit timestamp keeps IDs of one tenant in commit order when
// sorted as strings.
func newSummaryID(at time.Time) (string, error) {
	var suffix [6]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s", at.UTC().Format("20060102T150405.000000000Z"), hex.EncodeToString(suffix[:])), nil
}
