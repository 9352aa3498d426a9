// Package pain extracts structured pain information from free-form patient
// utterances. All functions are deterministic, side-effect-free, and safe
// for concurrent use.
package pain

import (
	"regexp"
	"strconv"
	"strings"
)

// Confidence levels reported by Extract.
const (
	// ConfidenceBaseline is returned when nothing is recognized.
	ConfidenceBaseline = 0.5
	// ConfidenceLocation is returned when a location is found.
	ConfidenceLocation = 0.8
	// ConfidenceFull is returned when both level and location are found.
	ConfidenceFull = 0.9
)

// levelPattern matches a 1-2 digit numeral adjacent to "pain" or "level",
// e.g. "pain level 7", "level of 3", "pain 5".
var levelPattern = regexp.MustCompile(`(?i)(?:pain level|level|pain)\s*(?:of\s*)?(\d{1,2})`)

// locations is the fixed vocabulary of recognized pain locations.
var locations = []string{"neck", "back", "shoulder", "knee", "hip", "ankle", "wrist", "elbow"}

// Info is the structured pain signal extracted from one utterance.
// Nil fields mean the utterance carried no such information.
type Info struct {
	PainLevel    *int
	PainLocation *string
	Confidence   float64
}

// Extract parses a raw utterance into an Info. The first matching numeral
// and the first vocabulary location win; confidence rises with each field
// found.
func Extract(utterance string) Info {
	info := Info{Confidence: ConfidenceBaseline}

	if m := levelPattern.FindStringSubmatch(utterance); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			info.PainLevel = &n
		}
	}

	lower := strings.ToLower(utterance)
	for _, loc := range locations {
		if strings.Contains(lower, loc) {
			l := loc
			info.PainLocation = &l
			info.Confidence = ConfidenceLocation
			break
		}
	}

	if info.PainLevel != nil && info.PainLocation != nil {
		info.Confidence = ConfidenceFull
	}
	return info
}

// Locations returns the recognized location vocabulary.
func Locations() []string {
	out := make([]string, len(locations))
	copy(out, locations)
	return out
}
