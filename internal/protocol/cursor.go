package protocol

import (
	"math/rand"
	"strconv"
	"time"
)

// cursorEpoch and cursorIntervalSeconds fix the reference instant and bucket
// width a cursor is computed against (spec §4.4.1).
var cursorEpoch = time.Date(2024, 10, 9, 0, 0, 0, 0, time.UTC)

const cursorIntervalSeconds = 20

// jitter bounds for desynchronising a thundering herd behind a collapsing
// CDN (spec §4.4.1): up to one hour, rounded up to whole intervals.
const maxJitterSeconds = 3600

// calculateCursor returns the current time-interval bucket as a short
// integer string.
func calculateCursor() string {
	nowMs := time.Now().UnixMilli()
	epochMs := cursorEpoch.UnixMilli()
	intervalMs := int64(cursorIntervalSeconds * 1000)
	return strconv.FormatInt((nowMs-epochMs)/intervalMs, 10)
}

// generateResponseCursor implements spec §4.4.1: absent or malformed or
// behind-current client cursors reset to the current interval; a client
// cursor at or ahead of current (an interval collision under high fanout)
// advances by a random jitter, rounded up to whole intervals, so a
// thundering herd permanently desynchronises instead of landing in
// lock-step on every retry.
func generateResponseCursor(clientCursor string) string {
	current := calculateCursor()
	currentN, _ := strconv.ParseInt(current, 10, 64)

	if clientCursor == "" {
		return current
	}

	clientN, err := strconv.ParseInt(clientCursor, 10, 64)
	if err != nil || clientN < currentN {
		return current
	}

	jitterSeconds := 1 + rand.Intn(maxJitterSeconds)
	jitterIntervals := (jitterSeconds + cursorIntervalSeconds - 1) / cursorIntervalSeconds
	if jitterIntervals < 1 {
		jitterIntervals = 1
	}
	return strconv.FormatInt(clientN+int64(jitterIntervals), 10)
}
