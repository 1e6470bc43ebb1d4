// SPDX-License-Identifier: MIT

// Package vid holds the primitives shared across the service: video ID
// validation, timestamp formatting and job ID construction.
package vid

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// ValidID reports whether id is an 11-character video ID token.
func ValidID(id string) bool {
	return videoIDPattern.MatchString(id)
}

// FormatTime renders a timestamp the way it appears in job IDs and file
// stems: full float precision, always with a decimal point ("0.0", "5.3").
func FormatTime(t float64) string {
	s := strconv.FormatFloat(t, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

// JobID builds the deterministic dedup key for a (videoID, time) pair.
// The same string doubles as the pub/sub completion channel name.
func JobID(videoID string, t float64) string {
	return fmt.Sprintf("%s-%s", videoID, FormatTime(t))
}
