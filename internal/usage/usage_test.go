package usage

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/rakunlabs/llmgw/internal/chat"
)

type recordingSink struct {
	reports []Report
}

func (s *recordingSink) Emit(ctx context.Context, report Report) {
	s.reports = append(s.reports, report)
}

func pricing(pricePer, promptPrice, completionPrice, resaleMargin string) chat.Pricing {
	p := chat.Pricing{ResaleMargin: resaleMargin}
	p.Text.PricePer = pricePer
	p.Text.Tiers.Default.PromptPrice = promptPrice
	p.Text.Tiers.Default.CompletionPrice = completionPrice
	return p
}

func TestReportS6Pricing(t *testing.T) {
	sink := &recordingSink{}
	reporter := NewReporter(sink)

	state := &chat.RequestState{
		WorkspaceID: "ws",
		ThreadID:    "th",
		Provider:    chat.VendorOpenAI,
		Usage:       &chat.Usage{Prompt: 1000, Completion: 500, Total: 1500},
		AIModelMetaInfo: chat.AIModelMetaInfo{
			Pricing: pricing("1000000", "3", "15", "1.5"),
		},
	}

	if err := reporter.Report(context.Background(), state); err != nil {
		t.Fatalf("Report: %v", err)
	}
	if len(sink.reports) != 1 {
		t.Fatalf("expected 1 report, got %d", len(sink.reports))
	}

	text := sink.reports[0].Text
	assertDecimal(t, "promptPurchasedFor", text.PromptPurchasedFor, "0.003")
	assertDecimal(t, "completionPurchasedFor", text.CompletionPurchasedFor, "0.0075")
	assertDecimal(t, "totalSoldFor", text.TotalSoldFor, "0.01575")
}

func assertDecimal(t *testing.T, label string, got decimal.Decimal, want string) {
	t.Helper()
	wantDec, err := decimal.NewFromString(want)
	if err != nil {
		t.Fatalf("bad want literal %q: %v", want, err)
	}
	if !got.Equal(wantDec) {
		t.Fatalf("%s = %s, want %s", label, got.String(), want)
	}
}

func TestReportSkipsWhenNoUsage(t *testing.T) {
	sink := &recordingSink{}
	reporter := NewReporter(sink)

	state := &chat.RequestState{WorkspaceID: "ws", ThreadID: "th"}
	if err := reporter.Report(context.Background(), state); err != nil {
		t.Fatalf("Report: %v", err)
	}
	if len(sink.reports) != 0 {
		t.Fatalf("expected no report when usage is nil, got %d", len(sink.reports))
	}
}

func TestComputeImageCostDefaults(t *testing.T) {
	p := chat.Pricing{}
	cost, err := computeImageCost(p, chat.ImageUsage{Size: "1024x1024", Quality: "", Count: 2})
	if err != nil {
		t.Fatalf("computeImageCost: %v", err)
	}
	want := decimal.NewFromFloat(0.04).Mul(decimal.NewFromInt(2))
	if !cost.Equal(want) {
		t.Fatalf("cost = %s, want %s", cost.String(), want.String())
	}
}

func TestComputeImageCostFallsBackToHighQuality(t *testing.T) {
	p := chat.Pricing{Image: map[string]map[string]string{
		"1024x1024": {"high": "0.08"},
	}}
	cost, err := computeImageCost(p, chat.ImageUsage{Size: "1024x1024", Quality: "medium", Count: 1})
	if err != nil {
		t.Fatalf("computeImageCost: %v", err)
	}
	if !cost.Equal(decimal.NewFromFloat(0.08)) {
		t.Fatalf("cost = %s, want 0.08", cost.String())
	}
}
