package tui

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"quorum/internal/domain"
	"quorum/internal/structured"
)

var (
	headerStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	dimStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	statusStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	userStyle       = lipgloss.NewStyle().Bold(true)
	modelStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	errorStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	pendingStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	highlightStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	transcriptStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	inputStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)

	unicodeWordRe = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*`)
	sentenceRe    = regexp.MustCompile(`[^.!?]+(?:[.!?]+|$)`)
)

// turn is one dispatched message as the transcript shows it, or a note when
// note is set.
type turn struct {
	id         string
	note       string
	user       string
	models     []string
	phases     map[string]domain.Phase
	outcomes   map[string]domain.ResponseOutcome
	histogram  map[string]int
	structured bool
	mode       domain.ContextMode
	done       bool
	discarded  bool
}

func newTurn(id string) *turn {
	return &turn{
		id:       id,
		phases:   make(map[string]domain.Phase),
		outcomes: make(map[string]domain.ResponseOutcome),
	}
}

// modelOrder is the dispatch order once known, else the models seen so far.
func (t *turn) modelOrder() []string {
	if len(t.models) > 0 {
		return t.models
	}
	names := make([]string, 0, len(t.phases))
	for name := range t.phases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m Model) renderTranscript() string {
	if len(m.turns) == 0 {
		return dimStyle.Render("No messages yet.")
	}
	width := max(20, m.viewport.Width-2)
	body := lipgloss.NewStyle().Width(width)
	parts := make([]string, 0, len(m.turns))
	for _, t := range m.turns {
		parts = append(parts, renderTurn(t, body))
	}
	return strings.Join(parts, "\n\n")
}

func renderTurn(t *turn, body lipgloss.Style) string {
	if t.note != "" {
		return dimStyle.Render(t.note)
	}
	var b strings.Builder
	b.WriteString(userStyle.Render("You: ") + body.Render(t.user))
	for _, name := range t.modelOrder() {
		b.WriteString("\n")
		b.WriteString(renderModel(name, t, body))
	}
	if t.done {
		b.WriteString("\n")
		b.WriteString(dimStyle.Render(summaryLine(t)))
	}
	return b.String()
}

func renderModel(name string, t *turn, body lipgloss.Style) string {
	out, resolved := t.outcomes[name]
	if !resolved {
		phase := t.phases[name]
		if phase == "" {
			phase = domain.PhaseIdle
		}
		return modelStyle.Render("● "+name) + " " + pendingStyle.Render(string(phase)+"...")
	}
	if !out.OK() {
		return modelStyle.Render("✗ "+name) + " " + errorStyle.Render(out.ErrorMessage)
	}
	meta := fmt.Sprintf("%d tokens", out.Usage.TotalTokens)
	if out.ContextLimit > 0 {
		meta += fmt.Sprintf(", %.1f%% of context", out.ContextUsage())
	}
	head := modelStyle.Render("✓ "+name) + " " + dimStyle.Render(meta)
	return head + "\n" + body.Render(renderContent(out, t))
}

// renderContent shows structured answers as letter plus explanation and
// highlights the sentence of a free-form answer closest to the question.
func renderContent(out domain.ResponseOutcome, t *turn) string {
	if t.structured {
		if ans, ok := structured.Extract(out.Content); ok {
			head := highlightStyle.Render(fmt.Sprintf("Answer %s: %s", out.AnswerLetter, ans.FinalAnswer))
			if ans.Explanation == "" {
				return head
			}
			return head + "\n" + ans.Explanation
		}
	}
	return highlightBestSentence(out.Content, t.user)
}

func summaryLine(t *turn) string {
	ok, failed := 0, 0
	for _, o := range t.outcomes {
		if o.OK() {
			ok++
		} else {
			failed++
		}
	}
	line := fmt.Sprintf("%d answered, %d failed", ok, failed)
	if t.mode != "" {
		line += ", context: " + string(t.mode)
	}
	if len(t.histogram) > 0 {
		letters := make([]string, 0, len(t.histogram))
		for l := range t.histogram {
			letters = append(letters, l)
		}
		sort.Strings(letters)
		votes := make([]string, len(letters))
		for i, l := range letters {
			votes[i] = fmt.Sprintf("%s×%d", l, t.histogram[l])
		}
		line += ", answers: " + strings.Join(votes, " ")
	}
	if t.discarded {
		line += " (not saved: conversation changed)"
	}
	return line
}

func highlightBestSentence(text, query string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	sentences := sentenceRe.FindAllString(text, -1)
	if len(sentences) < 2 {
		return strings.TrimSpace(text)
	}
	qTokens := toTokenSet(query)
	if len(qTokens) == 0 {
		return strings.TrimSpace(text)
	}
	bestIdx, bestScore := -1, 0
	for i, s := range sentences {
		if score := tokenOverlapScore(qTokens, s); score > bestScore {
			bestScore, bestIdx = score, i
		}
	}
	for i := range sentences {
		sent := strings.TrimSpace(sentences[i])
		if i == bestIdx {
			sentences[i] = highlightStyle.Render(sent)
		} else {
			sentences[i] = sent
		}
	}
	return strings.Join(sentences, " ")
}

func toTokenSet(s string) map[string]struct{} {
	tokens := unicodeWordRe.FindAllString(strings.ToLower(s), -1)
	m := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		m[t] = struct{}{}
	}
	return m
}

func tokenOverlapScore(queryTokens map[string]struct{}, sentence string) int {
	score := 0
	tokens := unicodeWordRe.FindAllString(strings.ToLower(sentence), -1)
	seen := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := queryTokens[t]; ok {
			score++
		}
	}
	return score
}
