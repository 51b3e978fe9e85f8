// Package summarizer builds short extractive summaries of knowledge-base documents.
package summarizer

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

// DefaultSentences is used when Summarize is asked for a non-positive count.
const DefaultSentences = 3

var (
	sentencePattern = regexp.MustCompile(`[^.!?]+(?:[.!?]+|$)`)
	tokenPattern    = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*`)
)

// FrequencySummarizer picks the sentences whose words occur most often in the
// whole text, then returns them in document order.
type FrequencySummarizer struct {
	stopwords map[string]struct{}
}

// NewFrequencySummarizer returns a summarizer with the default stopword list.
func NewFrequencySummarizer() *FrequencySummarizer {
	return &FrequencySummarizer{stopwords: defaultStopwords()}
}

// Summarize returns at most maxSentences sentences of text. Text with no
// sentence boundary comes back trimmed.
func (s *FrequencySummarizer) Summarize(text string, maxSentences int) (string, error) {
	if maxSentences <= 0 {
		maxSentences = DefaultSentences
	}
	var sentences []string
	for _, raw := range sentencePattern.FindAllString(text, -1) {
		if sent := strings.TrimSpace(raw); sent != "" {
			sentences = append(sentences, sent)
		}
	}
	if len(sentences) <= maxSentences {
		return strings.Join(sentences, " "), nil
	}

	tokens := make([][]string, len(sentences))
	freq := map[string]float64{}
	peak := 0.0
	for i, sent := range sentences {
		tokens[i] = s.tokens(sent)
		for _, tok := range tokens[i] {
			freq[tok]++
			peak = math.Max(peak, freq[tok])
		}
	}

	type scored struct {
		idx   int
		score float64
	}
	ranked := make([]scored, len(sentences))
	for i, toks := range tokens {
		total := 0.0
		for _, tok := range toks {
			total += freq[tok] / peak
		}
		// sqrt damping keeps long sentences from winning on length alone
		if len(toks) > 0 {
			total /= math.Sqrt(float64(len(toks)))
		}
		ranked[i] = scored{idx: i, score: total}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	picked := make([]int, maxSentences)
	for i := range picked {
		picked[i] = ranked[i].idx
	}
	sort.Ints(picked)
	out := make([]string, len(picked))
	for i, idx := range picked {
		out[i] = sentences[idx]
	}
	return strings.Join(out, " "), nil
}

func (s *FrequencySummarizer) tokens(text string) []string {
	var out []string
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		if _, stop := s.stopwords[tok]; !stop {
			out = append(out, tok)
		}
	}
	return out
}

func defaultStopwords() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at", "by", "with", "as", "is", "are", "was", "were", "be", "been", "being", "it", "this", "that", "these", "those", "from", "up", "down", "over", "under", "again", "further", "than", "so", "such", "into", "about", "between", "through", "during", "before", "after", "above", "below", "out", "off", "own", "same", "too", "very", "can", "will", "just", "don", "should", "now",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
