// Package openai streams chat completions from OpenAI's Responses API and
// maps vendor stream events onto the gateway's unified publish envelope.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/worldline-go/klient"

	"github.com/rakunlabs/llmgw/internal/attachment"
	"github.com/rakunlabs/llmgw/internal/chat"
	"github.com/rakunlabs/llmgw/internal/imageupload"
)

const DefaultBaseURL = "https://api.openai.com/v1/responses"

// ImageUploader uploads generated image bytes to the internal image store.
type ImageUploader interface {
	Upload(ctx context.Context, workspaceID string, data []byte) (imageupload.Result, error)
}

type Provider struct {
	client      *klient.Client
	imageUpload ImageUploader
	store       attachment.ObjectStoreFetcher
}

func New(apiKey, baseURL string, imageUpload ImageUploader, store attachment.ObjectStoreFetcher) (*Provider, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	client, err := klient.New(
		klient.WithBaseURL(baseURL),
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(http.Header{
			"Authorization": []string{"Bearer " + apiKey},
			"Content-Type":  []string{"application/json"},
		}),
		klient.WithDisableRetry(true),
	)
	if err != nil {
		return nil, err
	}

	return &Provider{client: client, imageUpload: imageUpload, store: store}, nil
}

// ─── wire shapes ───

type respError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Type    string `json:"type"`
}

type respUsageDetails struct {
	CachedTokens    int `json:"cached_tokens"`
	ReasoningTokens int `json:"reasoning_tokens"`
	AudioTokens     int `json:"audio_tokens"`
}

type respUsage struct {
	InputTokens         int              `json:"input_tokens"`
	InputTokensDetails  respUsageDetails `json:"input_tokens_details"`
	OutputTokens        int              `json:"output_tokens"`
	OutputTokensDetails respUsageDetails `json:"output_tokens_details"`
	TotalTokens         int              `json:"total_tokens"`
}

type imageGenerationCall struct {
	Type          string `json:"type"`
	Result        string `json:"result"`
	RevisedPrompt string `json:"revised_prompt"`
}

type respCompletedBody struct {
	Response struct {
		ID     string            `json:"id"`
		Output []json.RawMessage `json:"output"`
		Usage  respUsage         `json:"usage"`
	} `json:"response"`
}

type streamEventEnvelope struct {
	Type              string `json:"type"`
	Delta             string `json:"delta"`
	PartialImageB64   string `json:"partial_image_b64"`
	PartialImageIndex int    `json:"partial_image_index"`
}

type failedEventEnvelope struct {
	Response struct {
		Error respError `json:"error"`
	} `json:"response"`
}

// StreamImpl implements chat.Adapter.
func (p *Provider) StreamImpl(ctx context.Context, pub chat.EventPublisher, state *chat.RequestState, shouldStop func() bool) (*chat.RequestState, error) {
	_ = chat.PublishEvent(pub, state.WorkspaceID, state.ThreadID, chat.StreamEvent{
		Status:     chat.StatusStartStream,
		AIProvider: chat.VendorOpenAI,
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
		return state, fmt.Errorf("openai returned status %d: %s", resp.StatusCode, string(b))
	}

	partialIndex := 0

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024) // 10MB max line size; images produce large SSE events

	for scanner.Scan() {
		if shouldStop() {
			return state, nil
		}

		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return state, nil
		}

		var ev streamEventEnvelope
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return state, fmt.Errorf("parse sse event: %w", err)
		}

		switch ev.Type {
		case "response.output_text.delta":
			_ = chat.PublishEvent(pub, state.WorkspaceID, state.ThreadID, chat.StreamEvent{
				Status:     chat.StatusStreaming,
				AIProvider: chat.VendorOpenAI,
				Text:       ev.Delta,
			})

		case "response.image_generation_call.partial_image":
			idx := ev.PartialImageIndex
			if idx == 0 {
				idx = partialIndex
			}
			partialIndex++

			result, uploadErr := p.uploadImage(ctx, state.WorkspaceID, ev.PartialImageB64)
			if uploadErr != nil {
				slog.Warn("failed to upload partial image, skipping event", "error", uploadErr)
				continue
			}
			_ = chat.PublishEvent(pub, state.WorkspaceID, state.ThreadID, chat.StreamEvent{
				Status:       chat.StatusImagePartial,
				AIProvider:   chat.VendorOpenAI,
				ImageURL:     result.URL,
				FileID:       result.FileID,
				PartialIndex: idx,
			})

		case "response.completed":
			var completed respCompletedBody
			if err := json.Unmarshal([]byte(data), &completed); err != nil {
				return state, fmt.Errorf("parse response.completed: %w", err)
			}
			state.ResponseID = completed.Response.ID

			count := 0
			for _, raw := range completed.Response.Output {
				var item imageGenerationCall
				if err := json.Unmarshal(raw, &item); err != nil {
					continue
				}
				if item.Type != "image_generation_call" || item.Result == "" {
					continue
				}
				count++

				result, uploadErr := p.uploadImage(ctx, state.WorkspaceID, item.Result)
				if uploadErr != nil {
					slog.Warn("failed to upload completed image, skipping event", "error", uploadErr)
					continue
				}
				_ = chat.PublishEvent(pub, state.WorkspaceID, state.ThreadID, chat.StreamEvent{
					Status:        chat.StatusImageComplete,
					AIProvider:    chat.VendorOpenAI,
					ImageURL:      result.URL,
					FileID:        result.FileID,
					ResponseID:    state.ResponseID,
					RevisedPrompt: item.RevisedPrompt,
				})
			}

			u := completed.Response.Usage
			state.Usage = &chat.Usage{
				Prompt:              u.InputTokens,
				PromptAudio:         u.InputTokensDetails.AudioTokens,
				PromptCached:        u.InputTokensDetails.CachedTokens,
				Completion:          u.OutputTokens,
				CompletionAudio:     u.OutputTokensDetails.AudioTokens,
				CompletionReasoning: u.OutputTokensDetails.ReasoningTokens,
				Total:               u.TotalTokens,
			}
			if count > 0 {
				state.ImageUsage = &chat.ImageUsage{Size: state.ImageSize, Count: count}
			}
			return state, nil

		case "response.failed":
			var failed failedEventEnvelope
			if err := json.Unmarshal([]byte(data), &failed); err != nil {
				return state, fmt.Errorf("parse response.failed: %w", err)
			}
			state.Error = failed.Response.Error.Message
			state.ErrorCode = failed.Response.Error.Code
			state.ErrorType = failed.Response.Error.Type

			_ = chat.PublishEvent(pub, state.WorkspaceID, state.ThreadID, chat.StreamEvent{
				Status:     chat.StatusError,
				AIProvider: chat.VendorOpenAI,
				Error: &chat.VendorError{
					Message: failed.Response.Error.Message,
					Code:    failed.Response.Error.Code,
					Type:    failed.Response.Error.Type,
				},
			})
			_ = chat.PublishError(pub, state.WorkspaceID, state.ThreadID, failed.Response.Error.Message, failed.Response.Error.Code, failed.Response.Error.Type)

			return state, fmt.Errorf("vendor error: %s", failed.Response.Error.Message)
		}
	}

	if err := scanner.Err(); err != nil {
		return state, fmt.Errorf("stream read error: %w", err)
	}

	return state, nil
}

func (p *Provider) uploadImage(ctx context.Context, workspaceID, b64 string) (imageupload.Result, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return imageupload.Result{}, fmt.Errorf("decode image payload: %w", err)
	}
	return p.imageUpload.Upload(ctx, workspaceID, data)
}

// buildRequestBody assembles the Responses API request: resolves indirect
// image references, normalizes content to the OpenAI shape, and wires the
// image-generation tool when requested.
func (p *Provider) buildRequestBody(state *chat.RequestState) map[string]any {
	input := make([]map[string]any, 0, len(state.Messages))
	var instructions string

	for _, msg := range state.Messages {
		if msg.Role == "system" {
			if s, ok := msg.Content.(string); ok && state.AIModelMetaInfo.SupportsSystemPrompt {
				if instructions != "" {
					instructions += "\n"
				}
				instructions += s
			}
			continue
		}

		content := msg.Content
		if blocks, ok := content.([]chat.ContentBlock); ok {
			blocks = attachment.ResolveImageURLs(p.store, blocks)
			content = attachment.ConvertForProvider(blocks, attachment.TargetOpenAI)
		}

		input = append(input, map[string]any{
			"role":    msg.Role,
			"content": content,
		})
	}

	body := map[string]any{
		"model": state.ModelVersion,
		"input": input,
		"stream": true,
	}
	if instructions != "" {
		body["instructions"] = instructions
	}
	if state.Temperature != nil {
		body["temperature"] = *state.Temperature
	}
	if state.MaxCompletionSize > 0 {
		body["max_output_tokens"] = state.MaxCompletionSize
	}

	if state.EnableImageGeneration {
		body["tools"] = []map[string]any{
			{
				"type":           "image_generation",
				"quality":        "high",
				"partial_images": 3,
			},
		}
	}

	return body
}
