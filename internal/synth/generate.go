package synth

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	sageerrors "github.com/docsage/docsage/internal/errors"
	"github.com/docsage/docsage/internal/registry"
)

// Generation defaults.
const (
	DefaultTemperature = 0.3
	DefaultMaxTokens   = 1024
	DefaultTimeout     = 45 * time.Second
)

// TokenEvent is one streamed generation fragment.
type TokenEvent struct {
	Text string
	Done bool
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Options  chatOptions   `json:"options"`
	Stream   bool          `json:"stream"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type chatChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

// GenerateParams bound one generation call.
type GenerateParams struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Generator streams chat completions from a model-serving instance.
type Generator struct {
	registry *registry.Registry
	client   *http.Client
	logger   *slog.Logger
}

// NewGenerator creates a generator over the registry.
func NewGenerator(reg *registry.Registry, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{registry: reg, client: &http.Client{}, logger: logger}
}

// Generate streams tokens from the instance, invoking onToken for each
// fragment as it arrives, and returns the full buffered answer. The
// wall clock is bounded by params.Timeout (GenerationTimeout past it).
// Upstream errors surface as GenerationFailed; caller cancellation is
// returned as the raw context error.
func (g *Generator) Generate(ctx context.Context, inst *registry.Instance, params GenerateParams, prompt Prompt, onToken func(string)) (string, error) {
	if params.Temperature <= 0 {
		params.Temperature = DefaultTemperature
	}
	if params.MaxTokens <= 0 {
		params.MaxTokens = DefaultMaxTokens
	}
	if params.Timeout <= 0 {
		params.Timeout = DefaultTimeout
	}

	genCtx, cancel := context.WithTimeout(ctx, params.Timeout)
	defer cancel()

	g.registry.BeginRequest(inst)
	defer g.registry.EndRequest(inst)

	start := time.Now()
	answer, err := g.stream(genCtx, inst, params, prompt, onToken)
	elapsed := time.Since(start)

	if err != nil {
		// Caller cancellation counts as neither success nor failure.
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		g.registry.RecordOutcome(inst, params.Model, elapsed, false)

		if errors.Is(err, context.DeadlineExceeded) {
			return "", sageerrors.New(sageerrors.ErrCodeGenerationTimeout,
				fmt.Sprintf("generation exceeded %s on %s", params.Timeout, inst.Name), err)
		}
		if sageerrors.GetCode(err) != "" {
			return "", err
		}
		return "", sageerrors.New(sageerrors.ErrCodeGenerationFailed,
			"generation failed on "+inst.Name, err)
	}

	g.registry.RecordOutcome(inst, params.Model, elapsed, true)
	return answer, nil
}

func (g *Generator) stream(ctx context.Context, inst *registry.Instance, params GenerateParams, prompt Prompt, onToken func(string)) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    params.Model,
		Messages: prompt.Messages,
		Options: chatOptions{
			Temperature: params.Temperature,
			NumPredict:  params.MaxTokens,
		},
		Stream: true,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inst.URL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", sageerrors.New(sageerrors.ErrCodeGenerationFailed,
			fmt.Sprintf("model server returned status %d: %s", resp.StatusCode, string(snippet)), nil)
	}

	var answer strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk chatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return "", sageerrors.New(sageerrors.ErrCodeGenerationFailed,
				"invalid stream payload from "+inst.Name, err)
		}

		if chunk.Message.Content != "" {
			answer.WriteString(chunk.Message.Content)
			if onToken != nil {
				onToken(chunk.Message.Content)
			}
		}
		if chunk.Done {
			return answer.String(), nil
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}

	return "", sageerrors.New(sageerrors.ErrCodeGenerationFailed,
		"stream from "+inst.Name+" ended without a done marker", nil)
}
