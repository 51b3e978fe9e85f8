package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"quorum/internal/domain"
)

const helpText = `Commands:
  /add <path>                 add a document to the knowledge base
  /rm <name>                  remove a document
  /docs                       list documents with a short summary
  /summary <name>             summarize one document
  /models                     list configured models
  /model add <provider> <name>  configure a model (openrouter, google, anthropic)
  /model rm <name>            remove a model
  /enable <name>              enable a model
  /disable <name>             disable a model
  /rag on|off                 retrieve relevant chunks instead of sending every document
  /json on|off                ask for structured answers
  /new                        start a new conversation
  /history                    list saved conversations
  /quit                       exit`

// command runs a slash command typed into the input.
func (m Model) command(line string) (tea.Model, tea.Cmd) {
	fields := strings.Fields(line)
	name, args := fields[0], fields[1:]
	arg := strings.TrimSpace(strings.TrimPrefix(line, name))

	switch name {
	case "/help":
		m.note(helpText)
	case "/quit", "/exit":
		return m, tea.Quit

	case "/add":
		if arg == "" {
			m.note("usage: /add <path>")
			break
		}
		m.status = "Indexing " + arg + "..."
		kb, ctx := m.deps.Knowledge, m.ctx
		return m, func() tea.Msg {
			doc, n, err := kb.Ingest(ctx, arg)
			return ingestedMsg{doc: doc, chunks: n, err: err}
		}
	case "/rm":
		if arg == "" {
			m.note("usage: /rm <name>")
			break
		}
		m.report(m.deps.Knowledge.Remove(arg), "Removed "+arg)
	case "/docs":
		m.note(m.describeDocuments())
	case "/summary":
		summary, err := m.deps.Knowledge.Summary(arg, 5)
		if err != nil {
			m.report(err, "")
			break
		}
		m.note(arg + ": " + summary)

	case "/models":
		m.note(m.describeModels())
	case "/model":
		m.modelCommand(args)
	case "/enable", "/disable":
		if arg == "" {
			m.note("usage: " + name + " <model>")
			break
		}
		err := m.deps.Models.SetEnabled(arg, name == "/enable")
		m.report(m.saveIf(err), strings.TrimPrefix(name, "/")+"d "+arg)

	case "/rag", "/json":
		on, ok := parseSwitch(args)
		if !ok {
			m.note("usage: " + name + " on|off")
			break
		}
		if name == "/rag" {
			m.retrieval = on
		} else {
			m.structured = on
		}
		m.status = fmt.Sprintf("%s %s", strings.TrimPrefix(name, "/"), onOff(on))

	case "/new":
		conv := m.deps.Session.NewConversation()
		m.turns = nil
		m.byID = make(map[string]*turn)
		m.note("New conversation " + shortID(conv.ID))
	case "/history":
		m.note(m.describeHistory())

	default:
		m.note("Unknown command " + name + ". Type /help.")
	}
	return m, nil
}

func (m *Model) modelCommand(args []string) {
	switch {
	case len(args) == 3 && args[0] == "add":
		err := m.deps.Models.AddModel(args[2], domain.ProviderKind(args[1]))
		m.report(m.saveIf(err), "Added model "+args[2])
	case len(args) == 2 && args[0] == "rm":
		err := m.deps.Models.RemoveModel(args[1])
		m.report(m.saveIf(err), "Removed model "+args[1])
	default:
		m.note("usage: /model add <provider> <name> | /model rm <name>")
	}
}

// saveIf persists the configuration after a successful change.
func (m *Model) saveIf(err error) error {
	if err != nil || m.deps.SaveConfig == nil {
		return err
	}
	if err := m.deps.SaveConfig(); err != nil {
		m.logger.Error().Err(err).Msg("failed to save config")
		return fmt.Errorf("change applied but not saved: %w", err)
	}
	return nil
}

func (m *Model) report(err error, ok string) {
	if err != nil {
		m.status = "Error: " + err.Error()
		m.note("Error: " + err.Error())
		return
	}
	m.status = ok
	m.note(ok)
}

func (m *Model) describeDocuments() string {
	docs := m.deps.Knowledge.List()
	if len(docs) == 0 {
		return "No documents. Add one with /add <path>."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d document(s):", len(docs))
	for _, d := range docs {
		fmt.Fprintf(&b, "\n  %s [%s] %d words", d.Filename, d.Kind, len(strings.Fields(d.Content)))
		if s, err := m.deps.Knowledge.Summary(d.Filename, 1); err == nil && s != "" {
			fmt.Fprintf(&b, "\n    %s", truncate(s, 120))
		}
	}
	return b.String()
}

func (m *Model) describeModels() string {
	models := m.deps.Models.ListModels()
	if len(models) == 0 {
		return "No models. Add one with /model add <provider> <name>."
	}
	var b strings.Builder
	b.WriteString("Models:")
	for _, s := range models {
		mark := "[ ]"
		if s.Enabled {
			mark = "[x]"
		}
		fmt.Fprintf(&b, "\n  %s %s (%s)", mark, s.Name, s.Provider)
	}
	return b.String()
}

func (m *Model) describeHistory() string {
	convs := m.deps.Archive.Load()
	if len(convs) == 0 {
		return "No saved conversations."
	}
	current := m.deps.Session.Conversation().ID
	var b strings.Builder
	b.WriteString("Saved conversations:")
	for _, c := range convs {
		marker := " "
		if c.ID == current {
			marker = "*"
		}
		first := ""
		if len(c.Messages) > 0 {
			first = truncate(c.Messages[0].UserText, 60)
		}
		fmt.Fprintf(&b, "\n %s %s  %s  %d message(s)  %s", marker, shortID(c.ID),
			c.UpdatedAt.Format("2006-01-02 15:04"), len(c.Messages), first)
	}
	return b.String()
}

func parseSwitch(args []string) (on, ok bool) {
	if len(args) != 1 {
		return false, false
	}
	switch strings.ToLower(args[0]) {
	case "on", "true", "1":
		return true, true
	case "off", "false", "0":
		return false, true
	}
	return false, false
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}
