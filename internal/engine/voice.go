package engine

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/lazypower/compound/internal/index"
	"github.com/lazypower/compound/internal/model"
)

const (
	maxVoiceConfidence = 0.95
	// voiceWordScale is the word count at which confidence reaches ~63% of its ceiling.
	voiceWordScale = 600.0
	maxVoiceTerms  = 200
	minTermLength  = 5
)

var stopwords = map[string]bool{
	"about": true, "after": true, "again": true, "being": true, "could": true,
	"every": true, "their": true, "there": true, "these": true, "those": true,
	"where": true, "which": true, "while": true, "would": true, "should": true,
	"other": true, "because": true, "before": true, "through": true, "really": true,
}

// NewVoiceProfile returns an empty profile for userID.
func NewVoiceProfile(userID string) *model.VoiceProfile {
	return &model.VoiceProfile{UserID: userID, TermCounts: map[string]int{}}
}

// UpdateVoice folds content into the profile. Confidence never decreases.
func UpdateVoice(p *model.VoiceProfile, content string, now time.Time) {
	if p.TermCounts == nil {
		p.TermCounts = map[string]int{}
	}
	words := len(strings.Fields(content))
	if words == 0 {
		return
	}
	sentences := splitSentences(content)
	nSent := max(1, len(sentences))

	p.SampleSize++
	p.TotalWords += words
	p.TotalSentences += nSent
	for _, s := range sentences {
		switch {
		case strings.HasSuffix(s, "?"):
			p.Questions++
		case strings.HasSuffix(s, "!"):
			p.Exclamations++
		}
	}

	// Welford update over per-sample mean sentence length.
	x := float64(words) / float64(nSent)
	delta := x - p.SentenceLenMean
	p.SentenceLenMean += delta / float64(p.SampleSize)
	p.SentenceLenM2 += delta * (x - p.SentenceLenMean)

	for _, t := range index.Tokenize(content) {
		if len(t) >= minTermLength && !stopwords[t] {
			p.TermCounts[t]++
		}
	}
	pruneTerms(p.TermCounts, maxVoiceTerms)

	p.Confidence = math.Max(p.Confidence, voiceConfidence(p))
	p.UpdatedAt = now
}

// voiceConfidence saturates with total words and is scaled by how consistent
// sentence length is across samples.
func voiceConfidence(p *model.VoiceProfile) float64 {
	volume := 1 - math.Exp(-float64(p.TotalWords)/voiceWordScale)
	consistency := 0.5
	if p.SampleSize >= 2 && p.SentenceLenMean > 0 {
		std := math.Sqrt(p.SentenceLenM2 / float64(p.SampleSize-1))
		consistency = 1 / (1 + std/p.SentenceLenMean)
	}
	return clamp01(maxVoiceConfidence * volume * (0.6 + 0.4*consistency))
}

func pruneTerms(counts map[string]int, limit int) {
	if len(counts) <= limit {
		return
	}
	for _, t := range TopTerms(counts, len(counts))[limit:] {
		delete(counts, t)
	}
}

// TopTerms returns the n most frequent terms, ties broken alphabetically.
func TopTerms(counts map[string]int, n int) []string {
	terms := make([]string, 0, len(counts))
	for t := range counts {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool {
		if counts[terms[i]] != counts[terms[j]] {
			return counts[terms[i]] > counts[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > n {
		terms = terms[:n]
	}
	return terms
}

// Summarize renders a short natural-language description of the voice.
func Summarize(p *model.VoiceProfile) string {
	var parts []string
	if kw := TopTerms(p.TermCounts, 5); len(kw) > 0 {
		parts = append(parts, "Tone: "+strings.Join(kw, ", ")+".")
	}

	avg := averageSentenceLength(p)
	length := "medium"
	switch {
	case avg < 10:
		length = "short"
	case avg > 20:
		length = "long"
	}
	parts = append(parts, fmt.Sprintf("Sentences: %s (~%.0f words).", length, avg))

	style := "declarative"
	if p.TotalSentences > 0 {
		q := float64(p.Questions) / float64(p.TotalSentences)
		ex := float64(p.Exclamations) / float64(p.TotalSentences)
		switch {
		case q >= 0.2 && q >= ex:
			style = "inquisitive"
		case ex >= 0.2:
			style = "emphatic"
		}
	}
	parts = append(parts, "Style: "+style+".")

	samples := "samples"
	if p.SampleSize == 1 {
		samples = "sample"
	}
	parts = append(parts, fmt.Sprintf("Based on %d %s (confidence %.2f).", p.SampleSize, samples, p.Confidence))
	return strings.Join(parts, " ")
}

func averageSentenceLength(p *model.VoiceProfile) float64 {
	if p.TotalSentences == 0 {
		return 0
	}
	return float64(p.TotalWords) / float64(p.TotalSentences)
}

// BuildVoiceContext converts a profile into structured writing guidance.
func BuildVoiceContext(p *model.VoiceProfile) *model.VoiceContext {
	vc := &model.VoiceContext{
		UserID:         p.UserID,
		Summary:        Summarize(p),
		Confidence:     p.Confidence,
		SampleSize:     p.SampleSize,
		Keywords:       TopTerms(p.TermCounts, 10),
		AvgSentenceLen: math.Round(averageSentenceLength(p)*10) / 10,
	}
	if p.TotalSentences > 0 {
		vc.QuestionRate = float64(p.Questions) / float64(p.TotalSentences)
		vc.ExclamationRate = float64(p.Exclamations) / float64(p.TotalSentences)
	}
	return vc
}
