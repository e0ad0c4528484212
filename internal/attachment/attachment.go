// Package attachment normalizes user message content between the unified
// OpenAI-Responses-shaped ContentBlock model and each vendor's own wire
// shape, and resolves indirect object-store image references to inline
// data URLs before a request reaches either adapter.
package attachment

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/rakunlabs/llmgw/internal/chat"
)

// ObjectStoreFetcher fetches the raw bytes stored under bucket/key. It is
// satisfied by internal/objectstore.Store.
type ObjectStoreFetcher interface {
	Fetch(bucket, key string) ([]byte, error)
}

// dataURLPattern matches "data:<mime>;base64,<data>" with the data group
// spanning newlines, mirroring the original's re.DOTALL regex.
var dataURLPattern = regexp.MustCompile(`(?s)^data:([^;]+);base64,(.+)$`)

// ParseDataURL splits a data URL into its media type and base64 payload.
func ParseDataURL(dataURL string) (mediaType, data string, err error) {
	m := dataURLPattern.FindStringSubmatch(dataURL)
	if m == nil {
		return "", "", fmt.Errorf("invalid data URL format: %.50s", dataURL)
	}
	return m[1], m[2], nil
}

// ResolveImageURLs rewrites every input_image block whose image_url is a
// "nats-obj://<bucket>/<key>" reference into an inline "data:" URL. Blocks
// with a "data:" URL are left unchanged; blocks whose URL is neither are
// left unchanged and logged since they will likely fail downstream. The
// input slice is not modified, and the function never returns an error itself:
// a failed object-store fetch leaves that one block unchanged.
func ResolveImageURLs(store ObjectStoreFetcher, blocks []chat.ContentBlock) []chat.ContentBlock {
	out := make([]chat.ContentBlock, len(blocks))
	copy(out, blocks)

	for i, block := range out {
		if block.Type != "input_image" {
			continue
		}

		switch {
		case strings.HasPrefix(block.ImageURL, "data:"):
			// Already inline.
		case strings.HasPrefix(block.ImageURL, "nats-obj://"):
			resolved, err := resolveObjectStoreURL(store, block.ImageURL)
			if err != nil {
				slog.Warn("failed to resolve object-store image reference", "url", block.ImageURL, "error", err)
				continue
			}
			out[i].ImageURL = resolved
		default:
			slog.Warn("input_image url is neither data: nor nats-obj://, leaving unchanged", "url", block.ImageURL)
		}
	}

	return out
}

func resolveObjectStoreURL(store ObjectStoreFetcher, url string) (string, error) {
	rest := strings.TrimPrefix(url, "nats-obj://")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("malformed nats-obj url: %s", url)
	}
	bucket, key := parts[0], parts[1]

	data, err := store.Fetch(bucket, key)
	if err != nil {
		return "", fmt.Errorf("fetch %s/%s: %w", bucket, key, err)
	}

	mime := sniffImageMIME(data)
	b64 := base64.StdEncoding.EncodeToString(data)
	return fmt.Sprintf("data:%s;base64,%s", mime, b64), nil
}

// sniffImageMIME detects an image MIME type from magic bytes, defaulting to
// PNG when nothing recognizable is found.
func sniffImageMIME(data []byte) string {
	switch {
	case len(data) >= 8 && data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47:
		return "image/png"
	case len(data) >= 2 && data[0] == 0xFF && data[1] == 0xD8:
		return "image/jpeg"
	case len(data) >= 4 && string(data[0:4]) == "GIF8":
		return "image/gif"
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return "image/webp"
	default:
		return "image/png"
	}
}

// Target names the vendor shape attachments are being converted to.
type Target string

const (
	TargetOpenAI    Target = "openai"
	TargetAnthropic Target = "anthropic"
)

// ConvertForProvider normalizes content to target's wire shape. content is
// either a plain string (returned unchanged) or a []chat.ContentBlock.
// Anything else is returned unchanged, matching the original's passthrough
// for unrecognized content shapes.
func ConvertForProvider(content any, target Target) any {
	switch target {
	case TargetAnthropic:
		return convertForAnthropic(content)
	case TargetOpenAI:
		return convertForOpenAI(content)
	default:
		slog.Warn("unknown attachment conversion target, returning content as-is", "target", target)
		return content
	}
}

func convertForOpenAI(content any) any {
	if s, ok := content.(string); ok {
		return s
	}
	blocks, ok := content.([]chat.ContentBlock)
	if !ok {
		return content
	}

	validated := make([]chat.ContentBlock, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "input_text":
			validated = append(validated, chat.ContentBlock{Type: "input_text", Text: b.Text})
		case "input_image":
			detail := b.Detail
			if detail == "" {
				detail = "auto"
			}
			validated = append(validated, chat.ContentBlock{Type: "input_image", ImageURL: b.ImageURL, Detail: detail})
		case "file":
			validated = append(validated, b)
		default:
			slog.Warn("unknown content block type for openai", "type", b.Type)
		}
	}

	if len(validated) == 0 {
		return ""
	}
	return validated
}

// AnthropicBlock is the wire shape Anthropic's Messages API expects.
type AnthropicBlock struct {
	Type   string          `json:"type"`
	Text   string          `json:"text,omitempty"`
	Source *AnthropicSource `json:"source,omitempty"`
}

type AnthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

func convertForAnthropic(content any) any {
	if s, ok := content.(string); ok {
		return s
	}
	blocks, ok := content.([]chat.ContentBlock)
	if !ok {
		return content
	}

	converted := make([]AnthropicBlock, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "input_text":
			converted = append(converted, AnthropicBlock{Type: "text", Text: b.Text})
		case "input_image":
			if block, ok := convertImageBlockToAnthropic(b); ok {
				converted = append(converted, block)
			}
		case "file":
			if block, ok := convertFileBlockToAnthropic(b); ok {
				converted = append(converted, block)
			}
		default:
			slog.Warn("unknown content block type", "type", b.Type)
		}
	}

	if len(converted) == 0 {
		return ""
	}
	return converted
}

func convertImageBlockToAnthropic(b chat.ContentBlock) (AnthropicBlock, bool) {
	if strings.HasPrefix(b.ImageURL, "data:") {
		mediaType, data, err := ParseDataURL(b.ImageURL)
		if err != nil {
			slog.Warn("failed to parse image data url", "error", err)
			return AnthropicBlock{}, false
		}
		return AnthropicBlock{
			Type:   "image",
			Source: &AnthropicSource{Type: "base64", MediaType: mediaType, Data: data},
		}, true
	}
	return AnthropicBlock{
		Type:   "image",
		Source: &AnthropicSource{Type: "url", URL: b.ImageURL},
	}, true
}

// convertFileBlockToAnthropic only succeeds for inline data: files — the
// original only supports documents it already has bytes for.
func convertFileBlockToAnthropic(b chat.ContentBlock) (AnthropicBlock, bool) {
	if b.File == nil || !strings.HasPrefix(b.File.URL, "data:") {
		return AnthropicBlock{}, false
	}
	mediaType, data, err := ParseDataURL(b.File.URL)
	if err != nil {
		slog.Warn("failed to parse file data url", "error", err)
		return AnthropicBlock{}, false
	}
	return AnthropicBlock{
		Type:   "document",
		Source: &AnthropicSource{Type: "base64", MediaType: mediaType, Data: data},
	}, true
}
