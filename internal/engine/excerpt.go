package engine

import (
	"strings"
	"unicode"

	"github.com/lazypower/compound/internal/index"
	"github.com/lazypower/compound/internal/model"
)

// splitSentences breaks text on sentence terminators and blank lines.
// Terminators stay attached to their sentence.
func splitSentences(text string) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		s := strings.TrimSpace(cur.String())
		if s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}

	runes := []rune(text)
	for i, r := range runes {
		cur.WriteRune(r)
		switch r {
		case '.', '!', '?':
			if i+1 == len(runes) || unicode.IsSpace(runes[i+1]) {
				flush()
			}
		case '\n':
			if i+1 < len(runes) && runes[i+1] == '\n' {
				flush()
			}
		}
	}
	flush()
	return out
}

// Excerpt picks the passage of content most relevant to query: the sentence
// sharing the most query terms, extended with following sentences up to
// model.PreviewLength runes. With no overlap it falls back to the opening.
func Excerpt(content, query string) string {
	sentences := splitSentences(content)
	if len(sentences) == 0 {
		return ""
	}

	terms := make(map[string]bool)
	for _, t := range index.Tokenize(query) {
		terms[t] = true
	}

	best, bestScore := 0, 0
	for i, s := range sentences {
		score := 0
		seen := make(map[string]bool)
		for _, t := range index.Tokenize(s) {
			if terms[t] && !seen[t] {
				seen[t] = true
				score++
			}
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}

	var b strings.Builder
	length := 0
	for _, s := range sentences[best:] {
		n := len([]rune(s))
		sep := 0
		if length > 0 {
			sep = 1
		}
		if length+sep+n > model.PreviewLength {
			if length == 0 {
				return string([]rune(s)[:model.PreviewLength-1]) + ellipsis
			}
			break
		}
		if sep == 1 {
			b.WriteByte(' ')
		}
		b.WriteString(s)
		length += sep + n
	}
	return b.String()
}
