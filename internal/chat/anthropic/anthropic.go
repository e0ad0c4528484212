// Package anthropic streams chat completions from Anthropic's Messages API
// and maps vendor stream events onto the gateway's unified publish envelope.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/worldline-go/klient"

	"github.com/rakunlabs/llmgw/internal/attachment"
	"github.com/rakunlabs/llmgw/internal/chat"
)

const (
	DefaultBaseURL   = "https://api.anthropic.com/v1/messages"
	anthropicVersion = "2023-06-01"

	// codeBlockSuffix is appended to the last user message so the model
	// reliably closes any code block it opens, matching the original
	// service's workaround for truncated fenced output.
	codeBlockSuffix = "\n\nAlways close any code block you open with a matching ``` fence."
)

type Provider struct {
	client *klient.Client
	store  attachment.ObjectStoreFetcher
}

func New(apiKey, baseURL string, store attachment.ObjectStoreFetcher) (*Provider, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	client, err := klient.New(
		klient.WithBaseURL(baseURL),
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(http.Header{
			"x-api-key":         []string{apiKey},
			"anthropic-version": []string{anthropicVersion},
			"Content-Type":      []string{"application/json"},
		}),
		klient.WithDisableRetry(true),
	)
	if err != nil {
		return nil, err
	}

	return &Provider{client: client, store: store}, nil
}

type sseEnvelope struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Message struct {
		ID    string `json:"id"`
		Usage struct {
			InputTokens              int `json:"input_tokens"`
			OutputTokens             int `json:"output_tokens"`
			CacheReadInputTokens     int `json:"cache_read_input_tokens"`
			CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// StreamImpl implements chat.Adapter.
func (p *Provider) StreamImpl(ctx context.Context, pub chat.EventPublisher, state *chat.RequestState, shouldStop func() bool) (*chat.RequestState, error) {
	_ = chat.PublishEvent(pub, state.WorkspaceID, state.ThreadID, chat.StreamEvent{
		Status:     chat.StatusStartStream,
		AIProvider: chat.VendorAnthropic,
	})

	body := p.buildRequestBody(state)

	jsonData, err := json.Marshal(body)
	if err != nil {
		return state, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "", bytes.NewBuffer(jsonData))
	if err != nil {
		return state, err
	}

	resp, err := p.client.HTTP.Do(req)
	if err != nil {
		return state, fmt.Errorf("streaming request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return state, fmt.Errorf("anthropic returned status %d: %s", resp.StatusCode, string(b))
	}

	var (
		inputTokens  int
		outputTokens int
		cachedTokens int
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		if shouldStop() {
			return state, nil
		}

		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") || strings.HasPrefix(line, "event:") {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var ev sseEnvelope
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return state, fmt.Errorf("parse sse event: %w", err)
		}

		switch ev.Type {
		case "message_start":
			state.AIVendorRequestID = ev.Message.ID
			inputTokens = ev.Message.Usage.InputTokens
			cachedTokens = ev.Message.Usage.CacheReadInputTokens

		case "content_block_delta":
			if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				_ = chat.PublishEvent(pub, state.WorkspaceID, state.ThreadID, chat.StreamEvent{
					Status:     chat.StatusStreaming,
					AIProvider: chat.VendorAnthropic,
					Text:       ev.Delta.Text,
				})
			}

		case "message_delta":
			if ev.Usage.OutputTokens > 0 {
				outputTokens = ev.Usage.OutputTokens
			}

		case "message_stop":
			state.Usage = &chat.Usage{
				Prompt:     inputTokens,
				Completion: outputTokens,
				Total:      inputTokens + outputTokens,
				// Anthropic has no audio or reasoning token concept.
				PromptCached: cachedTokens,
			}
			return state, nil

		case "error":
			state.Error = ev.Error.Message
			state.ErrorType = ev.Error.Type

			_ = chat.PublishEvent(pub, state.WorkspaceID, state.ThreadID, chat.StreamEvent{
				Status:     chat.StatusError,
				AIProvider: chat.VendorAnthropic,
				Error:      &chat.VendorError{Message: ev.Error.Message, Type: ev.Error.Type},
			})
			_ = chat.PublishError(pub, state.WorkspaceID, state.ThreadID, ev.Error.Message, "", ev.Error.Type)

			return state, fmt.Errorf("vendor error: %s", ev.Error.Message)
		}
	}

	if err := scanner.Err(); err != nil {
		return state, fmt.Errorf("stream read error: %w", err)
	}

	return state, nil
}

// buildRequestBody assembles the Messages API request. The system prompt is
// passed as a top-level field, separate from messages, and the code-fence
// closing suffix is appended only when the conversation's literal last
// message is role=user — not just the last user turn anywhere in history,
// which would corrupt an earlier turn when the conversation instead ends on
// an assistant prefill continuation.
func (p *Provider) buildRequestBody(state *chat.RequestState) map[string]any {
	messages := make([]map[string]any, 0, len(state.Messages))
	var system string

	lastIdx := len(state.Messages) - 1

	for i, msg := range state.Messages {
		if msg.Role == "system" {
			if s, ok := msg.Content.(string); ok {
				if system != "" {
					system += "\n"
				}
				system += s
			}
			continue
		}

		content := msg.Content
		if blocks, ok := content.([]chat.ContentBlock); ok {
			blocks = attachment.ResolveImageURLs(p.store, blocks)
			content = attachment.ConvertForProvider(blocks, attachment.TargetAnthropic)
		}

		if i == lastIdx && msg.Role == "user" {
			content = appendCodeBlockSuffix(content)
		}

		messages = append(messages, map[string]any{
			"role":    msg.Role,
			"content": content,
		})
	}

	maxTokens := state.MaxCompletionSize
	if maxTokens <= 0 {
		maxTokens = state.AIModelMetaInfo.MaxCompletionSize
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	body := map[string]any{
		"model":      state.ModelVersion,
		"messages":   messages,
		"max_tokens": maxTokens,
		"stream":     true,
	}
	if system != "" {
		body["system"] = system
	}
	if state.Temperature != nil {
		body["temperature"] = *state.Temperature
	}

	return body
}

// appendCodeBlockSuffix appends the fence-closing reminder to a string body
// or to the last text block of a converted block list.
func appendCodeBlockSuffix(content any) any {
	switch v := content.(type) {
	case string:
		return v + codeBlockSuffix
	case []attachment.AnthropicBlock:
		for i := len(v) - 1; i >= 0; i-- {
			if v[i].Type == "text" {
				v[i].Text += codeBlockSuffix
				return v
			}
		}
		return append(v, attachment.AnthropicBlock{Type: "text", Text: strings.TrimSpace(codeBlockSuffix)})
	default:
		return content
	}
}
