package report

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// FormatNative renders a wei amount in whole native units with 6 decimals.
func FormatNative(wei *big.Int) string {
	if wei == nil {
		return "0.000000"
	}
	return decimal.NewFromBigInt(wei, -18).StringFixed(6)
}

// Text is the short human summary sent along with the report file.
func (r *HarvestReport) Text() string {
	var b strings.Builder
	mode := ""
	if r.DryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(&b, "Harvest report for %s%s\n", r.Chain, mode)
	fmt.Fprintf(&b, "strategies: %d, harvested: %d, skipped: %d, errors: %d\n",
		r.Summary.TotalStrategies, r.Summary.Harvested, r.Summary.Skipped, r.Summary.Errors)
	fmt.Fprintf(&b, "profit: %s (estimated %s)\n",
		FormatNative(r.Summary.TotalProfitWei), FormatNative(r.Summary.EstimatedProfitWei))
	if r.BalanceAfter != nil {
		fmt.Fprintf(&b, "collector balance: %s\n", FormatNative(r.BalanceAfter))
	}
	if r.Err != nil {
		fmt.Fprintf(&b, "run error: %v\n", r.Err)
	}
	for _, it := range r.Items {
		if !it.Error {
			continue
		}
		reason := string(it.Failure)
		if reason == "" {
			reason = "error"
		}
		fmt.Fprintf(&b, "- %s: %s\n", it.Vault.ID, reason)
	}
	if !r.FinishedAt.IsZero() {
		fmt.Fprintf(&b, "duration: %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	}
	return strings.TrimRight(b.String(), "\n")
}

// FileName is the attachment name of the serialized report.
func (r *HarvestReport) FileName() string {
	return fmt.Sprintf("harvest-%s-%s.json", r.Chain, r.StartedAt.UTC().Format("20060102T150405Z"))
}
