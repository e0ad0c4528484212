// Package chat holds the vendor-agnostic request/response model, the
// per-(workspace,thread) instance registry, and the linear workflow that
// drives one chat-completion request from validation through accounting.
package chat

import "time"

// InstanceKey uniquely identifies one (workspace, thread) execution context.
// At most one live Instance exists per key at any time.
type InstanceKey string

// NewInstanceKey builds the canonical "<workspaceId>:<threadId>" key.
func NewInstanceKey(workspaceID, threadID string) InstanceKey {
	return InstanceKey(workspaceID + ":" + threadID)
}

// Vendor names the upstream model provider a request targets.
type Vendor string

const (
	VendorOpenAI    Vendor = "OPENAI"
	VendorAnthropic Vendor = "ANTHROPIC"
)

// Message is one entry in the conversation. Content is either a plain string
// or an ordered slice of ContentBlock, decoded lazily by the attachment
// pipeline and the vendor adapters.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ContentBlock is the unified, OpenAI-Responses-shaped input block that both
// vendor adapters normalize to/from.
type ContentBlock struct {
	Type string `json:"type"`

	// input_text
	Text string `json:"text,omitempty"`

	// input_image
	ImageURL string `json:"image_url,omitempty"`
	Detail   string `json:"detail,omitempty"`

	// file
	File *FileRef `json:"file,omitempty"`
}

type FileRef struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
}

// TextPricingTier carries the per-token prices for one pricing tier.
type TextPricingTier struct {
	PromptPrice     string `json:"promptPrice"`
	CompletionPrice string `json:"completionPrice"`
}

// TextPricing describes the text pricing table for a model.
type TextPricing struct {
	PricePer string `json:"pricePer"`
	Tiers    struct {
		Default TextPricingTier `json:"default"`
	} `json:"tiers"`
}

// Pricing is the model pricing metadata carried on every request, used by
// the usage reporter to compute priced cost without a separate config fetch.
type Pricing struct {
	ResaleMargin string                       `json:"resaleMargin"`
	Text         TextPricing                  `json:"text"`
	Image        map[string]map[string]string `json:"image"`
}

// AIModelMetaInfo describes the target model for one request.
type AIModelMetaInfo struct {
	Provider             Vendor  `json:"provider"`
	ModelVersion         string  `json:"modelVersion"`
	SupportsSystemPrompt bool    `json:"supportsSystemPrompt"`
	MaxCompletionSize    int     `json:"maxCompletionSize,omitempty"`
	DefaultTemperature   float64 `json:"defaultTemperature,omitempty"`
	Pricing              Pricing `json:"pricing"`
}

// Usage tallies token counts for one request.
type Usage struct {
	Prompt              int `json:"prompt"`
	PromptAudio         int `json:"promptAudio,omitempty"`
	PromptCached        int `json:"promptCached,omitempty"`
	Completion          int `json:"completion"`
	CompletionAudio     int `json:"completionAudio,omitempty"`
	CompletionReasoning int `json:"completionReasoning,omitempty"`
	Total               int `json:"total"`
}

// ImageUsage tallies generated-image counts for one request.
type ImageUsage struct {
	Size    string `json:"size,omitempty"`
	Quality string `json:"quality,omitempty"`
	Count   int    `json:"count,omitempty"`
}

// RequestState is threaded through the workflow stages, mutated in place by
// each stage. It is owned exclusively by the one in-flight task running its
// workflow.
type RequestState struct {
	// Required.
	Messages        []Message
	AIModelMetaInfo AIModelMetaInfo
	WorkspaceID     string
	ThreadID        string
	Provider        Vendor
	ModelVersion    string

	// Optional inputs.
	Temperature           *float64
	MaxCompletionSize     int
	EnableImageGeneration bool
	ImageSize             string
	EventMeta             map[string]any

	// Output / mutated by the workflow.
	StreamActive        bool
	Usage               *Usage
	ImageUsage           *ImageUsage
	ResponseID           string
	AIVendorRequestID    string
	AIRequestReceivedAt  time.Time
	AIRequestFinishedAt  time.Time
	Error                string
	ErrorCode            string
	ErrorType            string
}

// InstanceKey derives the registry key for this request.
func (s *RequestState) InstanceKey() InstanceKey {
	return NewInstanceKey(s.WorkspaceID, s.ThreadID)
}
