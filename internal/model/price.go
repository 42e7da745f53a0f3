package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TrendDirection classifies recent price movement relative to the rolling
// window average.
type TrendDirection string

const (
	TrendUp     TrendDirection = "up"
	TrendDown   TrendDirection = "down"
	TrendStable TrendDirection = "stable"
)

// trendEpsilonPct is the band around the window average inside which a price
// is considered stable.
var trendEpsilonPct = decimal.NewFromInt(2)

// PriceRecord is one sampled price point for a (provider, gpu_type) pair.
// The stream is independent of any single deployment; every deployment of
// the same gpu_type shares it.
type PriceRecord struct {
	ID           int64           `json:"id"`
	Provider     Provider        `json:"provider"`
	GPUType      string          `json:"gpu_type"`
	PricePerHour decimal.Decimal `json:"price_per_hour"`
	RecordedAt   time.Time       `json:"recorded_at"`
}

// PriceStats summarises a deployment's price stream over a lookback window.
type PriceStats struct {
	Provider     Provider        `json:"provider"`
	GPUType      string          `json:"gpu_type"`
	MinPrice     decimal.Decimal `json:"min_price"`
	MaxPrice     decimal.Decimal `json:"max_price"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	Trend        TrendDirection  `json:"trend_direction"`
	SampleCount  int             `json:"sample_count"`
}

// PriceAlternative is a provider currently charging strictly less for the
// same gpu_type. Advisory only: migration is never automatic.
type PriceAlternative struct {
	Provider       Provider        `json:"provider"`
	PricePerHour   decimal.Decimal `json:"price_per_hour"`
	SavingsPercent decimal.Decimal `json:"savings_percent"`
}

// ComputePriceStats folds a window of records into summary statistics.
// Records must belong to one (provider, gpu_type) stream; the latest record
// is taken as the current price.
func ComputePriceStats(records []PriceRecord) PriceStats {
	if len(records) == 0 {
		return PriceStats{Trend: TrendStable}
	}

	latest := records[0]
	min := records[0].PricePerHour
	max := records[0].PricePerHour
	sum := decimal.Zero

	for _, r := range records {
		if r.RecordedAt.After(latest.RecordedAt) {
			latest = r
		}
		if r.PricePerHour.LessThan(min) {
			min = r.PricePerHour
		}
		if r.PricePerHour.GreaterThan(max) {
			max = r.PricePerHour
		}
		sum = sum.Add(r.PricePerHour)
	}

	avg := sum.Div(decimal.NewFromInt(int64(len(records))))

	return PriceStats{
		Provider:     latest.Provider,
		GPUType:      latest.GPUType,
		MinPrice:     min,
		MaxPrice:     max,
		AvgPrice:     avg,
		CurrentPrice: latest.PricePerHour,
		Trend:        ClassifyTrend(latest.PricePerHour, avg),
		SampleCount:  len(records),
	}
}

// ClassifyTrend reports up when the current price exceeds the window average
// by more than the epsilon band, down when below it, and stable otherwise.
func ClassifyTrend(current, avg decimal.Decimal) TrendDirection {
	if avg.IsZero() {
		return TrendStable
	}
	deviation := current.Sub(avg).Div(avg).Mul(decimal.NewFromInt(100))
	switch {
	case deviation.GreaterThan(trendEpsilonPct):
		return TrendUp
	case deviation.LessThan(trendEpsilonPct.Neg()):
		return TrendDown
	}
	return TrendStable
}

// RankAlternatives lists providers charging strictly less than the
// deployment's current price, sorted by descending savings.
func RankAlternatives(deploymentPrice decimal.Decimal, current map[Provider]decimal.Decimal, exclude Provider) []PriceAlternative {
	if !deploymentPrice.IsPositive() {
		return nil
	}

	alts := make([]PriceAlternative, 0, len(current))
	for p, price := range current {
		if p == exclude || !price.IsPositive() {
			continue
		}
		if price.GreaterThanOrEqual(deploymentPrice) {
			continue
		}
		savings := deploymentPrice.Sub(price).Div(deploymentPrice).Mul(decimal.NewFromInt(100))
		alts = append(alts, PriceAlternative{
			Provider:       p,
			PricePerHour:   price,
			SavingsPercent: savings,
		})
	}

	// Insertion sort: the provider set is tiny and ordering must be stable.
	for i := 1; i < len(alts); i++ {
		for j := i; j > 0 && alts[j].SavingsPercent.GreaterThan(alts[j-1].SavingsPercent); j-- {
			alts[j], alts[j-1] = alts[j-1], alts[j]
		}
	}
	return alts
}
