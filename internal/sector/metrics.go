// Package sector implements the built-in dataset collector and weight
// generator: per-sector fundamentals from Yahoo Finance, z-scored into
// Risk, Growth and Quality composites against trailing P/E.
package sector

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Group names a family of metrics that is averaged into one composite score.
type Group string

const (
	GroupRisk      Group = "risk"
	GroupGrowth    Group = "growth"
	GroupQuality   Group = "quality"
	GroupValuation Group = "valuation"
)

// Metric maps a dataset column to the Yahoo field it is read from.
type Metric struct {
	Name  string // dataset column
	Key   string // Yahoo quoteSummary field
	Group Group
	field func(*Row) *Float
}

// Metrics lists every collected metric in dataset column order.
var Metrics = []Metric{
	{"Beta", "beta", GroupRisk, func(r *Row) *Float { return &r.Beta }},
	{"Volatility", "regularMarketVolume", GroupRisk, func(r *Row) *Float { return &r.Volatility }},
	{"DebtToEquity", "debtToEquity", GroupRisk, func(r *Row) *Float { return &r.DebtToEquity }},
	{"RevenueGrowth", "revenueGrowth", GroupGrowth, func(r *Row) *Float { return &r.RevenueGrowth }},
	{"EarningsGrowth", "earningsGrowth", GroupGrowth, func(r *Row) *Float { return &r.EarningsGrowth }},
	{"ProfitMargins", "profitMargins", GroupGrowth, func(r *Row) *Float { return &r.ProfitMargins }},
	{"ROE", "returnOnEquity", GroupQuality, func(r *Row) *Float { return &r.ROE }},
	{"ROA", "returnOnAssets", GroupQuality, func(r *Row) *Float { return &r.ROA }},
	{"OperatingMargin", "operatingMargins", GroupQuality, func(r *Row) *Float { return &r.OperatingMargin }},
	{"PE", "trailingPE", GroupValuation, func(r *Row) *Float { return &r.PE }},
}

// MetricsIn returns the metrics of one group, in column order.
func MetricsIn(g Group) []Metric {
	var out []Metric
	for _, m := range Metrics {
		if m.Group == g {
			out = append(out, m)
		}
	}
	return out
}

// Value returns the metric's value on r.
func (m Metric) Value(r *Row) float64 { return float64(*m.field(r)) }

// Set stores v as the metric's value on r.
func (m Metric) Set(r *Row, v float64) { *m.field(r) = Float(v) }

var titler = cases.Title(language.English)

// DisplayName turns a sector key such as "consumer-cyclical" into
// "Consumer Cyclical".
func DisplayName(key string) string {
	return titler.String(strings.ReplaceAll(key, "-", " "))
}
