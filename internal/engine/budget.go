package engine

import (
	"encoding/xml"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/lazypower/compound/internal/model"
)

// charsPerToken is the token estimate heuristic: one token per four characters.
const charsPerToken = 4

// minTruncatedExcerpt is the shortest excerpt worth keeping after truncation.
const minTruncatedExcerpt = 40

const ellipsis = "…"

// EstimateTokens approximates the token count of text.
// Empty text is zero tokens; any other text is at least one.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return max(1, utf8.RuneCountInString(text)/charsPerToken)
}

var formats = []model.Format{model.FormatMarkdown, model.FormatPlain, model.FormatXML}

// Assemble selects the longest rank-ordered prefix of sources whose rendered
// text fits in maxTokens. The first source that does not fit is truncated if
// a useful excerpt of it still fits; it and every lower-ranked source are
// otherwise dropped.
//
// A set fits only if it fits in every format, so format changes rendering
// but never membership.
func Assemble(sources []model.ContextSource, maxTokens int, format model.Format) (string, int, []model.ContextSource) {
	included := make([]model.ContextSource, 0, len(sources))

	for _, src := range sources {
		candidate := append(included[:len(included):len(included)], src)
		if renderedTokens(candidate) <= maxTokens {
			included = candidate
			continue
		}
		if truncated, ok := fitExcerpt(included, src, maxTokens); ok {
			included = append(included, truncated)
		}
		break
	}

	text := Render(included, format)
	return text, EstimateTokens(text), included
}

// renderedTokens is the largest token estimate of sources across formats.
func renderedTokens(sources []model.ContextSource) int {
	n := 0
	for _, f := range formats {
		n = max(n, EstimateTokens(Render(sources, f)))
	}
	return n
}

// fitExcerpt finds the longest prefix of src.Excerpt that still fits.
func fitExcerpt(included []model.ContextSource, src model.ContextSource, maxTokens int) (model.ContextSource, bool) {
	runes := []rune(src.Excerpt)
	if len(runes) <= minTruncatedExcerpt {
		return src, false
	}

	with := func(n int) []model.ContextSource {
		s := src
		s.Excerpt = truncateRunes(runes, n)
		return append(included[:len(included):len(included)], s)
	}
	fits := func(n int) bool {
		return renderedTokens(with(n)) <= maxTokens
	}

	if !fits(minTruncatedExcerpt) {
		return src, false
	}
	lo, hi := minTruncatedExcerpt, len(runes)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if fits(mid) {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	out := src
	out.Excerpt = truncateRunes(runes, lo)
	return out, true
}

func truncateRunes(runes []rune, n int) string {
	return strings.TrimRight(string(runes[:n]), " \t\n") + ellipsis
}

// Render formats sources as context text. No sources render as "".
func Render(sources []model.ContextSource, format model.Format) string {
	if len(sources) == 0 {
		return ""
	}
	var b strings.Builder
	switch format {
	case model.FormatPlain:
		for i, s := range sources {
			if i > 0 {
				b.WriteString("\n\n")
			}
			fmt.Fprintf(&b, "[%d] %s — %s", i+1, s.Title, s.Excerpt)
		}
	case model.FormatXML:
		b.WriteString("<context>\n")
		for _, s := range sources {
			fmt.Fprintf(&b, "<source id=\"%s\" type=\"%s\">\n", xmlEscape(s.EntryID), xmlEscape(string(s.ContentType)))
			fmt.Fprintf(&b, "<title>%s</title>\n", xmlEscape(s.Title))
			fmt.Fprintf(&b, "<excerpt>%s</excerpt>\n", xmlEscape(s.Excerpt))
			b.WriteString("</source>\n")
		}
		b.WriteString("</context>")
	default:
		for i, s := range sources {
			if i > 0 {
				b.WriteString("\n\n")
			}
			fmt.Fprintf(&b, "### %s\n%s", s.Title, s.Excerpt)
		}
	}
	return b.String()
}

func xmlEscape(s string) string {
	var b strings.Builder
	xml.EscapeText(&b, []byte(s))
	return b.String()
}
