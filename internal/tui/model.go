// Package tui is the terminal chat front end. It sends each message to every
// enabled model and shows their replies side by side as they arrive.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/phuslu/log"

	"quorum/internal/dispatch"
	"quorum/internal/domain"
	"quorum/internal/logging"
)

// Dispatcher starts a fan-out for one message.
type Dispatcher interface {
	Dispatch(ctx context.Context, userMessage string, models []domain.ModelSpec, opts dispatch.Options) (*dispatch.Dispatch, error)
}

// ModelRegistry is the editable model list.
type ModelRegistry interface {
	ListModels() []domain.ModelSpec
	EnabledModels() []domain.ModelSpec
	AddModel(name string, kind domain.ProviderKind) error
	RemoveModel(name string) error
	SetEnabled(name string, enabled bool) error
}

// Knowledge is the document set used as context.
type Knowledge interface {
	Ingest(ctx context.Context, path string) (domain.Document, int, error)
	Remove(filename string) error
	List() []domain.Document
	Summary(filename string, maxSentences int) (string, error)
}

// Session exposes the live conversation.
type Session interface {
	Conversation() domain.Conversation
	NewConversation() domain.Conversation
}

// Archive lists the saved conversations.
type Archive interface {
	Load() []domain.Conversation
}

// Deps are the services the UI drives. SaveConfig persists model changes
// and may be nil.
type Deps struct {
	Dispatcher Dispatcher
	Models     ModelRegistry
	Knowledge  Knowledge
	Session    Session
	Archive    Archive
	SaveConfig func() error
	Logger     *log.Logger
}

// StatusMsg carries one phase change of a model. Send it with tea.Program.Send.
type StatusMsg domain.StatusEvent

// CompleteMsg is sent once a dispatch has finalized its message.
type CompleteMsg struct{ Dispatch *dispatch.Dispatch }

type startedMsg struct {
	text       string
	structured bool
	d          *dispatch.Dispatch
	err        error
}

type ingestedMsg struct {
	doc    domain.Document
	chunks int
	err    error
}

// Model is the Bubble Tea model for the chat screen.
type Model struct {
	deps       Deps
	ctx        context.Context
	logger     *log.Logger
	input      textinput.Model
	viewport   viewport.Model
	turns      []*turn
	byID       map[string]*turn
	retrieval  bool
	structured bool
	status     string
	ready      bool
}

// New creates the chat model. retrieval and structured are the initial
// per-message switches.
func New(ctx context.Context, deps Deps, retrieval, structured bool) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask every model, or /help"
	ti.Focus()
	ti.CharLimit = 0
	vp := viewport.New(0, 0)
	return Model{
		deps:       deps,
		ctx:        ctx,
		logger:     logging.OrNop(deps.Logger),
		input:      ti,
		viewport:   vp,
		byID:       make(map[string]*turn),
		retrieval:  retrieval,
		structured: structured,
		status:     "Ready. Type a message or /help.",
	}
}

// Init initializes the model (text input cursor blink).
func (m Model) Init() tea.Cmd { return textinput.Blink }

// Update handles keys, window changes and dispatch events.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, th := transcriptStyle.GetFrameSize()
		_, ih := inputStyle.GetFrameSize()
		reserved := 2 + ih + 1 + th // header + flags, input, status
		m.viewport.Width = max(20, msg.Width-2)
		m.viewport.Height = max(3, msg.Height-reserved)
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD {
			return m, tea.Quit
		}
		switch msg.Type {
		case tea.KeyEnter:
			line := strings.TrimSpace(m.input.Value())
			if line == "" {
				return m, nil
			}
			m.input.SetValue("")
			if strings.HasPrefix(line, "/") {
				return m.command(line)
			}
			cmd := m.send(line)
			return m, cmd
		case tea.KeyPgUp, tea.KeyPgDown, tea.KeyUp, tea.KeyDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

	case startedMsg:
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
			m.note(fmt.Sprintf("Not sent: %v", msg.err))
			return m, nil
		}
		t := m.turnFor(msg.d.ID)
		t.user = msg.text
		t.models = msg.d.Models()
		t.structured = msg.structured
		m.status = fmt.Sprintf("Sent to %d model(s)", len(t.models))
		m.refresh()
		return m, nil

	case StatusMsg:
		t := m.turnFor(msg.DispatchID)
		t.phases[msg.Model] = msg.Phase
		if msg.Outcome != nil {
			t.outcomes[msg.Model] = *msg.Outcome
		}
		m.refresh()
		return m, nil

	case CompleteMsg:
		t := m.turnFor(msg.Dispatch.ID)
		t.done = true
		if final, ok := msg.Dispatch.Message(); ok {
			t.histogram = final.AnswerHistogram
			t.structured = final.Structured
			t.mode = final.ContextMode
		}
		t.discarded = !msg.Dispatch.Committed()
		m.status = "All models answered."
		m.refresh()
		return m, nil

	case ingestedMsg:
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
			m.note(fmt.Sprintf("Could not add document: %v", msg.err))
		} else {
			m.status = fmt.Sprintf("Added %s", msg.doc.Filename)
			m.note(fmt.Sprintf("Added %s (%s, %d chunks)", msg.doc.Filename, msg.doc.Kind, msg.chunks))
		}
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// send starts a dispatch off the event loop. Status events may reach the
// model before startedMsg does; turnFor handles either order.
func (m *Model) send(text string) tea.Cmd {
	models := m.deps.Models.EnabledModels()
	opts := dispatch.Options{Retrieval: m.retrieval, Structured: m.structured}
	ctx, dispatcher := m.ctx, m.deps.Dispatcher
	m.status = "Sending..."
	return func() tea.Msg {
		d, err := dispatcher.Dispatch(ctx, text, models, opts)
		return startedMsg{text: text, structured: opts.Structured, d: d, err: err}
	}
}

func (m *Model) turnFor(id string) *turn {
	if t, ok := m.byID[id]; ok {
		return t
	}
	t := newTurn(id)
	m.byID[id] = t
	m.turns = append(m.turns, t)
	return t
}

func (m *Model) note(text string) {
	m.turns = append(m.turns, &turn{note: text})
	m.refresh()
}

func (m *Model) refresh() {
	m.viewport.SetContent(m.renderTranscript())
	m.viewport.GotoBottom()
}

// View renders the TUI layout.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := headerStyle.Render("Quorum")
	flags := dimStyle.Render(fmt.Sprintf("models: %d enabled  rag: %s  json: %s  docs: %d",
		len(m.deps.Models.EnabledModels()), onOff(m.retrieval), onOff(m.structured), len(m.deps.Knowledge.List())))
	transcript := transcriptStyle.Render(m.viewport.View())
	input := inputStyle.Render(m.input.View())
	status := statusStyle.Render(m.status)
	return lipgloss.JoinVertical(lipgloss.Left, header+"  "+flags, transcript, input, status)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
