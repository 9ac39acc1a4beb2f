package audit

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/borrowdesk/locatefee/internal/domain"
)

// SourceCount is one fallback source and how often it appeared.
type SourceCount struct {
	SourceName string          `json:"source_name"`
	Field      string          `json:"field"`
	Count      int             `json:"count"`
	Share      decimal.Decimal `json:"share"`
}

// FallbackFrequency returns the share of records that used at least one
// fallback data source.
func FallbackFrequency(records []domain.AuditRecord) decimal.Decimal {
	if len(records) == 0 {
		return decimal.Zero
	}
	fallbacks := 0
	for _, rec := range records {
		if rec.HasFallback() {
			fallbacks++
		}
	}
	return decimal.NewFromInt(int64(fallbacks)).
		Div(decimal.NewFromInt(int64(len(records))))
}

// TopFallbackSources returns the most frequent fallback sources across
// the records, at most n entries, ordered by count descending.
func TopFallbackSources(records []domain.AuditRecord, n int) []SourceCount {
	type key struct{ name, field string }
	counts := make(map[key]int)
	total := 0
	for _, rec := range records {
		for _, ds := range rec.DataSources {
			if !ds.IsFallback {
				continue
			}
			counts[key{ds.SourceName, ds.Field}]++
			total++
		}
	}
	if total == 0 {
		return nil
	}

	out := make([]SourceCount, 0, len(counts))
	totalDec := decimal.NewFromInt(int64(total))
	for k, c := range counts {
		out = append(out, SourceCount{
			SourceName: k.name,
			Field:      k.field,
			Count:      c,
			Share:      decimal.NewFromInt(int64(c)).Div(totalDec),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].SourceName < out[j].SourceName
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// RateDifference summarizes how fallback calculations priced relative
// to normal ones.
type RateDifference struct {
	FallbackCount   int             `json:"fallback_count"`
	NormalCount     int             `json:"normal_count"`
	FallbackAvgRate decimal.Decimal `json:"fallback_avg_rate"`
	NormalAvgRate   decimal.Decimal `json:"normal_avg_rate"`
	// Difference is fallback average minus normal average.
	Difference decimal.Decimal `json:"difference"`
}

// FallbackRateDifference compares the average borrow rate used between
// records with and without fallback sources.
func FallbackRateDifference(records []domain.AuditRecord) RateDifference {
	var diff RateDifference
	fallbackSum, normalSum := decimal.Zero, decimal.Zero

	for _, rec := range records {
		if rec.HasFallback() {
			diff.FallbackCount++
			fallbackSum = fallbackSum.Add(rec.BorrowRateUsed)
		} else {
			diff.NormalCount++
			normalSum = normalSum.Add(rec.BorrowRateUsed)
		}
	}
	if diff.FallbackCount > 0 {
		diff.FallbackAvgRate = fallbackSum.Div(decimal.NewFromInt(int64(diff.FallbackCount)))
	}
	if diff.NormalCount > 0 {
		diff.NormalAvgRate = normalSum.Div(decimal.NewFromInt(int64(diff.NormalCount)))
	}
	diff.Difference = diff.FallbackAvgRate.Sub(diff.NormalAvgRate)
	return diff
}
