package attachment

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/rakunlabs/llmgw/internal/chat"
)

type fakeStore struct {
	data map[string][]byte
	err  error
}

func (f *fakeStore) Fetch(bucket, key string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.data[bucket+"/"+key], nil
}

func TestResolveImageURLsReplacesObjectStoreRef(t *testing.T) {
	png := []byte{0x89, 0x50, 0x4E, 0x47, 0x00, 0x00, 0x00, 0x00}
	store := &fakeStore{data: map[string][]byte{"images/foo": png}}

	blocks := []chat.ContentBlock{
		{Type: "input_image", ImageURL: "nats-obj://images/foo"},
	}

	out := ResolveImageURLs(store, blocks)
	want := "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	if out[0].ImageURL != want {
		t.Fatalf("ImageURL = %q, want %q", out[0].ImageURL, want)
	}
}

func TestResolveImageURLsKeepsDataURLUnchanged(t *testing.T) {
	blocks := []chat.ContentBlock{
		{Type: "input_image", ImageURL: "data:image/png;base64,AAAA"},
	}
	out := ResolveImageURLs(&fakeStore{}, blocks)
	if out[0].ImageURL != blocks[0].ImageURL {
		t.Fatalf("data: url should be unchanged, got %q", out[0].ImageURL)
	}
}

func TestResolveImageURLsRetainsOriginalOnFetchFailure(t *testing.T) {
	store := &fakeStore{err: errors.New("not found")}
	blocks := []chat.ContentBlock{
		{Type: "input_image", ImageURL: "nats-obj://images/missing"},
	}
	out := ResolveImageURLs(store, blocks)
	if out[0].ImageURL != "nats-obj://images/missing" {
		t.Fatalf("expected original block retained on fetch failure, got %q", out[0].ImageURL)
	}
}

func TestParseDataURL(t *testing.T) {
	media, data, err := ParseDataURL("data:image/jpeg;base64,/9j/4AAQSkZJRg==")
	if err != nil {
		t.Fatalf("ParseDataURL: %v", err)
	}
	if media != "image/jpeg" {
		t.Fatalf("media = %q, want image/jpeg", media)
	}
	if data != "/9j/4AAQSkZJRg==" {
		t.Fatalf("data = %q", data)
	}
}

func TestParseDataURLInvalid(t *testing.T) {
	if _, _, err := ParseDataURL("not-a-data-url"); err == nil {
		t.Fatal("expected error for malformed data url")
	}
}

func TestConvertForAnthropicImageDataURLRoundTrips(t *testing.T) {
	dataURL := "data:image/png;base64,QUJD"
	blocks := []chat.ContentBlock{{Type: "input_image", ImageURL: dataURL}}

	out := ConvertForProvider(blocks, TargetAnthropic)
	converted, ok := out.([]AnthropicBlock)
	if !ok || len(converted) != 1 {
		t.Fatalf("unexpected conversion result: %#v", out)
	}
	if converted[0].Source.Data != "QUJD" {
		t.Fatalf("data = %q, want QUJD", converted[0].Source.Data)
	}
	recombined := "data:" + converted[0].Source.MediaType + ";base64," + converted[0].Source.Data
	if recombined != dataURL {
		t.Fatalf("recombined = %q, want %q", recombined, dataURL)
	}
}

func TestConvertForAnthropicTextBlock(t *testing.T) {
	blocks := []chat.ContentBlock{{Type: "input_text", Text: "hello"}}
	out := ConvertForProvider(blocks, TargetAnthropic).([]AnthropicBlock)
	if len(out) != 1 || out[0].Type != "text" || out[0].Text != "hello" {
		t.Fatalf("unexpected conversion result: %#v", out)
	}
}

func TestConvertForProviderStringPassthrough(t *testing.T) {
	if got := ConvertForProvider("plain", TargetAnthropic); got != "plain" {
		t.Fatalf("expected passthrough, got %v", got)
	}
	if got := ConvertForProvider("plain", TargetOpenAI); got != "plain" {
		t.Fatalf("expected passthrough, got %v", got)
	}
}

func TestConvertForOpenAIUnknownBlockDropped(t *testing.T) {
	blocks := []chat.ContentBlock{
		{Type: "input_text", Text: "hi"},
		{Type: "bogus"},
	}
	out := ConvertForProvider(blocks, TargetOpenAI).([]chat.ContentBlock)
	if len(out) != 1 {
		t.Fatalf("expected unknown block dropped, got %d blocks", len(out))
	}
}

func TestConvertIdempotent(t *testing.T) {
	blocks := []chat.ContentBlock{{Type: "input_text", Text: "hi"}}
	first := ConvertForProvider(blocks, TargetOpenAI)
	firstBlocks, ok := first.([]chat.ContentBlock)
	if !ok {
		t.Fatalf("unexpected type: %#v", first)
	}
	second := ConvertForProvider(firstBlocks, TargetOpenAI)
	secondBlocks, ok := second.([]chat.ContentBlock)
	if !ok || len(secondBlocks) != len(firstBlocks) {
		t.Fatalf("conversion was not idempotent: %#v vs %#v", first, second)
	}
}
