package textproc

import (
	"regexp"
	"strings"
)

var (
	// Clock-style timestamps: 1:23, 01:23, 1:23:45.
	timestampRE = regexp.MustCompile(`\b\d{1,2}:\d{2}(?::\d{2})?\b`)

	// Bracketed stage markers: [Music], [Applause], [inaudible].
	stageMarkerRE = regexp.MustCompile(`\[[^\]]*\]`)

	// Filler words and phrases removed as whole tokens only. Phrases come
	// first so "you know" is removed before "know" could be considered.
	fillerRE = regexp.MustCompile(`(?i)\b(you know|i mean|sort of|kind of|um+|uh+|er+m?|hmm+|mhm)\b`)

	whitespaceRE    = regexp.MustCompile(`\s+`)
	spaceBeforePunc = regexp.MustCompile(`\s+([.!?,;:])`)
	missingSpaceRE  = regexp.MustCompile(`([.!?,;:])(\p{L})`)
	danglingCommaRE = regexp.MustCompile(`,\s*([.!?])`)
	commaRunRE      = regexp.MustCompile(`,(\s*,)+`)
)

// CleanTranscript normalizes raw video-transcript text: strips clock
// timestamps and bracketed stage markers, removes filler words and phrases
// at word boundaries, collapses whitespace and repairs sentence spacing.
// Pure function, deterministic.
func CleanTranscript(raw string) string {
	s := timestampRE.ReplaceAllString(raw, " ")
	s = stageMarkerRE.ReplaceAllString(s, " ")
	s = fillerRE.ReplaceAllString(s, " ")

	s = whitespaceRE.ReplaceAllString(s, " ")
	s = spaceBeforePunc.ReplaceAllString(s, "$1")
	// Filler removal can leave comma runs and leading punctuation behind.
	s = commaRunRE.ReplaceAllString(s, ",")
	s = danglingCommaRE.ReplaceAllString(s, "$1")
	s = missingSpaceRE.ReplaceAllString(s, "$1 $2")
	s = strings.TrimSpace(strings.TrimLeft(s, " ,;:"))

	if s == "" {
		return ""
	}
	// Ensure a terminal sentence boundary so chunk joins read cleanly.
	last := s[len(s)-1]
	if last != '.' && last != '!' && last != '?' {
		s += "."
	}
	return s
}
