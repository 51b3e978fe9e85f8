// Package structured asks models for a JSON answer and recovers it from free text.
package structured

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"quorum/internal/domain"
)

// Instruction is appended to the user message when structured output is on.
const Instruction = `Please respond in JSON format with the following structure: ` +
	`{"explanation": "your detailed explanation here", "final_answer": "your answer here", ` +
	`"final_answer_letter": "single letter (A, B, C, etc.)"}`

// Prompt returns message with the structured-output instruction appended.
func Prompt(message string) string {
	return message + "\n\n" + Instruction
}

// letterFields are tried in order when looking for the answer letter.
var letterFields = []string{"final_answer_letter", "answer_letter", "letter", "answer"}

var fences = []*regexp.Regexp{
	regexp.MustCompile("(?is)```json\\s*\\n?(.*?)\\n?```"),
	regexp.MustCompile("(?s)```\\s*\\n?(.*?)\\n?```"),
}

// Answer is a structured reply recovered from a model's text.
type Answer struct {
	Explanation string
	FinalAnswer string
	Letter      string
	Raw         string
}

// Extract locates a JSON value in text. It tries the whole text, then fenced
// code blocks, then the first balanced {...} span and finally the first
// balanced [...] span. ok is false when nothing parses.
func Extract(text string) (Answer, bool) {
	raw, ok := FindJSON(text)
	if !ok {
		return Answer{Letter: domain.UnknownAnswer}, false
	}
	return Answer{
		Explanation: gjson.Get(raw, "explanation").String(),
		FinalAnswer: gjson.Get(raw, "final_answer").String(),
		Letter:      letterOf(raw),
		Raw:         raw,
	}, true
}

// Letter returns the uppercase answer letter found in text, or "?".
func Letter(text string) string {
	a, _ := Extract(text)
	return a.Letter
}

// FindJSON returns the first parseable JSON span of text.
func FindJSON(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false
	}
	if gjson.Valid(text) {
		return text, true
	}
	for _, re := range fences {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			candidate := strings.TrimSpace(m[1])
			if candidate != "" && gjson.Valid(candidate) {
				return candidate, true
			}
		}
	}
	if span, ok := balanced(text, '{', '}'); ok {
		return span, true
	}
	return balanced(text, '[', ']')
}

// balanced scans from each opening delimiter for its matching close, ignoring
// delimiters inside string literals, and returns the first span that parses.
func balanced(text string, open, close byte) (string, bool) {
	for start := strings.IndexByte(text, open); start != -1; {
		depth := 0
		inString, escaped := false, false
	scan:
		for i := start; i < len(text); i++ {
			c := text[i]
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = !inString
			case inString:
			case c == open:
				depth++
			case c == close:
				depth--
				if depth == 0 {
					if span := text[start : i+1]; gjson.Valid(span) {
						return span, true
					}
					break scan
				}
			}
		}
		next := strings.IndexByte(text[start+1:], open)
		if next == -1 {
			break
		}
		start += next + 1
	}
	return "", false
}

func letterOf(raw string) string {
	if !gjson.Parse(raw).IsObject() {
		return domain.UnknownAnswer
	}
	for _, field := range letterFields {
		v := gjson.Get(raw, field)
		if !v.Exists() {
			continue
		}
		s := strings.ToUpper(strings.TrimSpace(v.String()))
		r, _ := utf8.DecodeRuneInString(s)
		if s != "" && unicode.IsLetter(r) {
			return string(r)
		}
	}
	return domain.UnknownAnswer
}
