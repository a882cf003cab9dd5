// Package synth assembles grounded prompts and streams generated
// answers from a model-serving instance.
package synth

import (
	"fmt"
	"strings"

	sageerrors "github.com/docsage/docsage/internal/errors"
	"github.com/docsage/docsage/internal/retrieval"
)

// Defaults for prompt assembly.
const (
	DefaultMaxContextChunks    = 5
	DefaultContextWindowTokens = 8192
	DefaultHistoryTurns        = 6
)

const docPreface = `You are a technical documentation assistant. Answer using only the numbered context passages below. Cite passages by their bracketed index, like [1]. If the context does not contain the answer, say so plainly instead of inventing facts.`

const webPreface = `You are a technical assistant. The numbered context passages below are snippets from public web pages, not internal documentation. Answer using only these passages and cite them by bracketed index, like [1]. Mention that the information comes from web sources. If the passages do not contain the answer, say so plainly instead of inventing facts.`

// Turn is one prior conversation exchange half.
type Turn struct {
	Role    string `json:"role"` // user or assistant
	Content string `json:"content"`
}

// ChatMessage is one message in the model-server chat payload.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PromptInput is everything prompt assembly needs.
type PromptInput struct {
	Query      string
	Candidates []retrieval.Candidate // in final-score order
	History    []Turn                // oldest first
	WebSources bool                  // swaps in the web-source preface

	MaxContextChunks    int
	ContextWindowTokens int
	ResponseBudget      int // reserved for the generated answer
}

// Prompt is an assembled message list plus the chunks that made it in.
type Prompt struct {
	Messages []ChatMessage
	Included []retrieval.Candidate
}

// estimateTokens approximates token count from byte length. Four bytes
// per token is a conservative ratio for English prose.
func estimateTokens(s string) int {
	return len(s)/4 + 1
}

// BuildPrompt assembles the system preface, context block, history,
// and question within the token budget. Over budget, the lowest-scored
// chunks go first, then the oldest turns. The top chunk and the
// question are never dropped; if even they do not fit the result is
// ContextOverflow.
func BuildPrompt(in PromptInput) (Prompt, error) {
	maxChunks := in.MaxContextChunks
	if maxChunks <= 0 {
		maxChunks = DefaultMaxContextChunks
	}
	window := in.ContextWindowTokens
	if window <= 0 {
		window = DefaultContextWindowTokens
	}
	budget := window - in.ResponseBudget

	preface := docPreface
	if in.WebSources {
		preface = webPreface
	}

	chunks := in.Candidates
	if len(chunks) > maxChunks {
		chunks = chunks[:maxChunks]
	}
	history := in.History

	fixed := estimateTokens(preface) + estimateTokens(in.Query)

	fits := func(chunks []retrieval.Candidate, history []Turn) bool {
		total := fixed
		for _, c := range chunks {
			total += estimateTokens(contextLine(0, c))
		}
		for _, t := range history {
			total += estimateTokens(t.Content)
		}
		return total <= budget
	}

	// Chunks are already in final-score order, so trimming from the
	// tail drops the lowest-scored first.
	for !fits(chunks, history) && len(chunks) > 1 {
		chunks = chunks[:len(chunks)-1]
	}
	for !fits(chunks, history) && len(history) > 0 {
		history = history[1:]
	}

	if !fits(chunks, history) {
		return Prompt{}, sageerrors.New(sageerrors.ErrCodeContextOverflow,
			"top chunk and question exceed the model context window", nil)
	}

	var system strings.Builder
	system.WriteString(preface)
	if len(chunks) > 0 {
		system.WriteString("\n\nContext:\n")
		for i, c := range chunks {
			system.WriteString(contextLine(i+1, c))
			system.WriteByte('\n')
		}
	}

	messages := make([]ChatMessage, 0, len(history)+2)
	messages = append(messages, ChatMessage{Role: "system", Content: system.String()})
	for _, t := range history {
		messages = append(messages, ChatMessage{Role: t.Role, Content: t.Content})
	}
	messages = append(messages, ChatMessage{Role: "user", Content: in.Query})

	return Prompt{Messages: messages, Included: chunks}, nil
}

// contextLine renders one numbered context passage with provenance.
func contextLine(index int, c retrieval.Candidate) string {
	var meta strings.Builder
	if c.Source != "" {
		meta.WriteString(c.Source)
	}
	if c.Section != "" {
		if meta.Len() > 0 {
			meta.WriteString(", ")
		}
		meta.WriteString(c.Section)
	}
	if c.Page > 0 {
		if meta.Len() > 0 {
			meta.WriteString(", ")
		}
		fmt.Fprintf(&meta, "p.%d", c.Page)
	}

	if meta.Len() > 0 {
		return fmt.Sprintf("[%d] (%s) %s", index, meta.String(), c.Content)
	}
	return fmt.Sprintf("[%d] %s", index, c.Content)
}
