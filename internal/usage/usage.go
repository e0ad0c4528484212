// Package usage computes priced cost for a finished request. All
// arithmetic uses arbitrary-precision decimals — token and image pricing
// must never be computed in binary floating point.
package usage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/rakunlabs/llmgw/internal/chat"
)

// TextCost carries purchased (vendor) and sold (customer-facing) prices for
// the text portion of a request.
type TextCost struct {
	PromptPurchasedFor     decimal.Decimal
	PromptSoldFor          decimal.Decimal
	CompletionPurchasedFor decimal.Decimal
	CompletionSoldFor      decimal.Decimal
	TotalPurchasedFor      decimal.Decimal
	TotalSoldFor           decimal.Decimal
}

// Report is the full priced usage emitted for one request.
type Report struct {
	WorkspaceID string
	ThreadID    string
	Provider    chat.Vendor
	ModelVersion string
	Usage       chat.Usage
	Text        TextCost
	Image       *decimal.Decimal
}

// defaultImagePrice is used when a request's imageUsage.size has no entry in
// the model's image pricing table.
var defaultImagePrice = decimal.NewFromFloat(0.04)

// Sink is where a finished Report goes. The only implementation today is a
// structured log sink; a dedicated usage subject is a documented future
// extension (spec §4.6).
type Sink interface {
	Emit(ctx context.Context, report Report)
}

// LogSink emits each report as a structured slog line.
type LogSink struct{}

func (LogSink) Emit(ctx context.Context, report Report) {
	slog.Info("usage report",
		"workspaceId", report.WorkspaceID,
		"threadId", report.ThreadID,
		"provider", report.Provider,
		"modelVersion", report.ModelVersion,
		"promptTokens", report.Usage.Prompt,
		"completionTokens", report.Usage.Completion,
		"totalTokens", report.Usage.Total,
		"totalSoldFor", report.Text.TotalSoldFor.String(),
	)
}

// Reporter implements chat.UsageReporter: it prices a finished request's
// token and image usage and emits the result via its Sink. Accounting
// failures are logged only — they must never abort the request.
type Reporter struct {
	Sink Sink
}

func NewReporter(sink Sink) *Reporter {
	if sink == nil {
		sink = LogSink{}
	}
	return &Reporter{Sink: sink}
}

// Report computes and emits the priced usage for state. It returns an error
// only to let the caller log it; the workflow never fails the request over
// an accounting error.
func (r *Reporter) Report(ctx context.Context, state *chat.RequestState) error {
	if state.Usage == nil {
		return nil
	}

	text, err := computeTextCost(state.AIModelMetaInfo.Pricing, *state.Usage)
	if err != nil {
		return fmt.Errorf("compute text cost: %w", err)
	}

	report := Report{
		WorkspaceID:  state.WorkspaceID,
		ThreadID:     state.ThreadID,
		Provider:     state.Provider,
		ModelVersion: state.ModelVersion,
		Usage:        *state.Usage,
		Text:         text,
	}

	if state.ImageUsage != nil && state.ImageUsage.Count > 0 {
		imgPrice, err := computeImageCost(state.AIModelMetaInfo.Pricing, *state.ImageUsage)
		if err != nil {
			slog.Warn("failed to price image usage, omitting from report", "error", err)
		} else {
			report.Image = &imgPrice
		}
	}

	r.Sink.Emit(ctx, report)
	return nil
}

func computeTextCost(pricing chat.Pricing, u chat.Usage) (TextCost, error) {
	resaleMargin, err := parseDecimal(pricing.ResaleMargin, "1")
	if err != nil {
		return TextCost{}, fmt.Errorf("resaleMargin: %w", err)
	}
	pricePer, err := parseDecimal(pricing.Text.PricePer, "1000000")
	if err != nil {
		return TextCost{}, fmt.Errorf("pricePer: %w", err)
	}
	if pricePer.IsZero() {
		return TextCost{}, fmt.Errorf("pricePer must not be zero")
	}
	promptPrice, err := parseDecimal(pricing.Text.Tiers.Default.PromptPrice, "0")
	if err != nil {
		return TextCost{}, fmt.Errorf("promptPrice: %w", err)
	}
	completionPrice, err := parseDecimal(pricing.Text.Tiers.Default.CompletionPrice, "0")
	if err != nil {
		return TextCost{}, fmt.Errorf("completionPrice: %w", err)
	}

	promptTokens := decimal.NewFromInt(int64(u.Prompt))
	completionTokens := decimal.NewFromInt(int64(u.Completion))

	promptPurchasedFor := promptPrice.Div(pricePer).Mul(promptTokens)
	promptSoldFor := promptPurchasedFor.Mul(resaleMargin)
	completionPurchasedFor := completionPrice.Div(pricePer).Mul(completionTokens)
	completionSoldFor := completionPurchasedFor.Mul(resaleMargin)

	return TextCost{
		PromptPurchasedFor:     promptPurchasedFor,
		PromptSoldFor:          promptSoldFor,
		CompletionPurchasedFor: completionPurchasedFor,
		CompletionSoldFor:      completionSoldFor,
		TotalPurchasedFor:      promptPurchasedFor.Add(completionPurchasedFor),
		TotalSoldFor:           promptSoldFor.Add(completionSoldFor),
	}, nil
}

func computeImageCost(pricing chat.Pricing, iu chat.ImageUsage) (decimal.Decimal, error) {
	price := defaultImagePrice

	size := iu.Size
	quality := iu.Quality
	if quality == "" {
		quality = "high"
	}

	if bySize, ok := pricing.Image[size]; ok {
		if raw, ok := bySize[quality]; ok {
			parsed, err := decimal.NewFromString(raw)
			if err != nil {
				return decimal.Decimal{}, fmt.Errorf("parse image price %q: %w", raw, err)
			}
			price = parsed
		} else if raw, ok := bySize["high"]; ok {
			parsed, err := decimal.NewFromString(raw)
			if err != nil {
				return decimal.Decimal{}, fmt.Errorf("parse image price %q: %w", raw, err)
			}
			price = parsed
		}
	}

	return price.Mul(decimal.NewFromInt(int64(iu.Count))), nil
}

func parseDecimal(raw, fallback string) (decimal.Decimal, error) {
	if raw == "" {
		raw = fallback
	}
	return decimal.NewFromString(raw)
}
