package domain

import "time"

// DocumentKind classifies a knowledge-base document by its source format.
type DocumentKind string

const (
	KindText       DocumentKind = "text"
	KindMarkdown   DocumentKind = "markdown"
	KindPython     DocumentKind = "python"
	KindJavaScript DocumentKind = "javascript"
	KindJSON       DocumentKind = "json"
	KindCSV        DocumentKind = "csv"
	KindXML        DocumentKind = "xml"
	KindHTML       DocumentKind = "html"
	KindCSS        DocumentKind = "css"
	KindCode       DocumentKind = "code"
	KindConfig     DocumentKind = "config"
	KindShell      DocumentKind = "shell"
	KindSQL        DocumentKind = "sql"
	KindLog        DocumentKind = "log"
	KindUnknown    DocumentKind = "unknown"
)

// Document represents a single file loaded into the knowledge base.
// Filename is the unique key.
type Document struct {
	Filename string       `json:"filename"`
	Content  string       `json:"content"`
	AddedAt  time.Time    `json:"added_at"`
	Kind     DocumentKind `json:"kind"`
}

// Chunk is a word window of a document together with its embedding.
type Chunk struct {
	DocumentFilename string    `json:"filename"`
	Index            int       `json:"chunk_index"`
	Text             string    `json:"text"`
	Embedding        []float64 `json:"embedding"`
}

// ScoredChunk is a chunk returned by a similarity search.
type ScoredChunk struct {
	Chunk      Chunk
	Similarity float64
}

// ProviderKind names a model provider family.
type ProviderKind string

const (
	ProviderOpenRouter ProviderKind = "openrouter"
	ProviderGoogle     ProviderKind = "google"
	ProviderAnthropic  ProviderKind = "anthropic"
)

// ModelSpec is a configured model. Name is unique across the configuration.
type ModelSpec struct {
	Name     string       `yaml:"name" json:"name"`
	Provider ProviderKind `yaml:"provider" json:"provider"`
	Enabled  bool         `yaml:"enabled" json:"enabled"`
}

// TokenUsage is the token accounting reported by a provider.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// UnknownAnswer marks a response whose answer letter could not be determined.
const UnknownAnswer = "?"

// OutcomeStatus tags the variant held by a ResponseOutcome.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailure OutcomeStatus = "failure"
)

// ResponseOutcome is the result of one model call: either a success carrying
// content and usage, or a failure carrying an error message.
type ResponseOutcome struct {
	Status       OutcomeStatus `json:"status"`
	Content      string        `json:"content,omitempty"`
	Usage        TokenUsage    `json:"usage"`
	ContextLimit int           `json:"context_limit,omitempty"`
	ErrorMessage string        `json:"error,omitempty"`
	AnswerLetter string        `json:"answer_letter"`
	ReceivedAt   time.Time     `json:"received_at"`
}

// Success builds a successful outcome.
func Success(content string, usage TokenUsage, contextLimit int) ResponseOutcome {
	return ResponseOutcome{
		Status:       OutcomeSuccess,
		Content:      content,
		Usage:        usage,
		ContextLimit: contextLimit,
		AnswerLetter: UnknownAnswer,
	}
}

// Failure builds a failed outcome.
func Failure(message string) ResponseOutcome {
	return ResponseOutcome{
		Status:       OutcomeFailure,
		ErrorMessage: message,
		AnswerLetter: UnknownAnswer,
	}
}

// OK reports whether the outcome is a success.
func (o ResponseOutcome) OK() bool { return o.Status == OutcomeSuccess }

// ContextUsage returns the share of the context window consumed, in percent, capped at 100.
func (o ResponseOutcome) ContextUsage() float64 {
	if o.ContextLimit <= 0 {
		return 0
	}
	pct := float64(o.Usage.TotalTokens) / float64(o.ContextLimit) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// ContextMode records which strategy produced the context of a message.
type ContextMode string

const (
	ContextNone      ContextMode = "none"
	ContextFull      ContextMode = "full"
	ContextRetrieval ContextMode = "retrieval"
)

// ConversationMessage is one user turn and the answers of every model it was sent to.
type ConversationMessage struct {
	ID              string                     `json:"id"`
	Timestamp       time.Time                  `json:"timestamp"`
	UserText        string                     `json:"user_text"`
	ContextMode     ContextMode                `json:"context_mode"`
	ContextSent     string                     `json:"context_sent"`
	Structured      bool                       `json:"structured_output"`
	ExpectedCount   int                        `json:"expected_count"`
	Responses       map[string]ResponseOutcome `json:"responses"`
	AnswerHistogram map[string]int             `json:"answer_histogram"`
	CompletedAt     time.Time                  `json:"completed_at,omitempty"`
}

// Complete reports whether every expected model has resolved.
func (m *ConversationMessage) Complete() bool {
	return m.ExpectedCount > 0 && len(m.Responses) == m.ExpectedCount
}

// Clone returns a deep copy safe to hand to another goroutine.
func (m *ConversationMessage) Clone() ConversationMessage {
	out := *m
	out.Responses = make(map[string]ResponseOutcome, len(m.Responses))
	for k, v := range m.Responses {
		out.Responses[k] = v
	}
	out.AnswerHistogram = make(map[string]int, len(m.AnswerHistogram))
	for k, v := range m.AnswerHistogram {
		out.AnswerHistogram[k] = v
	}
	return out
}

// Conversation is the ordered list of messages of one session.
type Conversation struct {
	ID        string                `json:"id"`
	StartedAt time.Time             `json:"started_at"`
	UpdatedAt time.Time             `json:"updated_at"`
	Messages  []ConversationMessage `json:"messages"`
}

// ChatTurn is one entry of the rolling chat history sent to providers.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Phase is the live status of a model within a dispatch.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseProcessing Phase = "processing"
	PhaseCompleted  Phase = "completed"
	PhaseError      Phase = "error"
)

// StatusEvent is emitted whenever a model changes phase during a dispatch.
// Outcome is set for the completed and error phases.
type StatusEvent struct {
	DispatchID string
	Model      string
	Phase      Phase
	Outcome    *ResponseOutcome
	At         time.Time
}

// Clone returns a deep copy of the conversation.
func (c *Conversation) Clone() Conversation {
	out := *c
	out.Messages = make([]ConversationMessage, len(c.Messages))
	for i := range c.Messages {
		out.Messages[i] = c.Messages[i].Clone()
	}
	return out
}
