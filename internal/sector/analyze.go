package sector

import (
	"context"
	"math"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// DefaultOutlierThreshold is the absolute z-score above which a company is
// dropped from the analysis.
const DefaultOutlierThreshold = 2.5

// ErrNoResults is returned when no company survives the analysis.
var ErrNoResults = eris.New("sector: no rows survived analysis")

// Analyze scores each sector independently and returns the surviving rows,
// sectors in order of first appearance.
func Analyze(rows []Row, threshold float64) []Result {
	if threshold <= 0 {
		threshold = DefaultOutlierThreshold
	}

	var order []string
	bySector := make(map[string][]Row)
	for _, r := range rows {
		if _, ok := bySector[r.Sector]; !ok {
			order = append(order, r.Sector)
		}
		bySector[r.Sector] = append(bySector[r.Sector], r)
	}

	var out []Result
	for _, s := range order {
		out = append(out, analyzeSector(bySector[s], threshold)...)
	}
	return out
}

func analyzeSector(rows []Row, threshold float64) []Result {
	n := len(rows)

	// Standardize every X metric over the whole sector, before PE filtering.
	z := make(map[string][]float64)
	for _, g := range []Group{GroupRisk, GroupGrowth, GroupQuality} {
		for _, m := range MetricsIn(g) {
			col := make([]float64, n)
			for i := range rows {
				col[i] = m.Value(&rows[i])
			}
			z[m.Name] = zscores(col)
		}
	}

	// Companies without a P/E are dropped; PE is standardized on the rest.
	var keep []int
	var pe []float64
	for i := range rows {
		if v := float64(rows[i].PE); !math.IsNaN(v) {
			keep = append(keep, i)
			pe = append(pe, v)
		}
	}
	peZ := zscores(pe)

	composite := func(g Group, i int) float64 {
		var vals []float64
		for _, m := range MetricsIn(g) {
			vals = append(vals, z[m.Name][i])
		}
		return nanMean(vals...)
	}

	var out []Result
	for j, i := range keep {
		res := Result{
			Sector:       rows[i].Sector,
			Ticker:       rows[i].Ticker,
			RiskScore:    Float(composite(GroupRisk, i)),
			GrowthScore:  Float(composite(GroupGrowth, i)),
			QualityScore: Float(composite(GroupQuality, i)),
			PE:           rows[i].PE,
			PEZScore:     Float(peZ[j]),
		}
		if within(res.RiskScore, threshold) && within(res.GrowthScore, threshold) &&
			within(res.QualityScore, threshold) && within(res.PEZScore, threshold) {
			out = append(out, res)
		}
	}
	return out
}

// within is false for NaN, so unscored companies are filtered out.
func within(f Float, threshold float64) bool {
	return math.Abs(float64(f)) <= threshold
}

// Generator reads the dataset and writes the analysis artifact.
type Generator struct {
	DatasetPath  string
	ArtifactPath string
	Threshold    float64
}

// Run implements the generate step. The artifact is only replaced when at
// least one row survives.
func (g *Generator) Run(ctx context.Context) (map[string]any, error) {
	log := zap.L().With(zap.String("component", "sector.generate"))

	rows, err := ReadDataset(g.DatasetPath)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "sector: generate cancelled")
	}

	results := Analyze(rows, g.Threshold)
	if len(results) == 0 {
		return nil, eris.Wrapf(ErrNoResults, "%d input rows", len(rows))
	}
	if err := WriteResults(g.ArtifactPath, results); err != nil {
		return nil, err
	}

	log.Info("sector: artifact written",
		zap.String("path", g.ArtifactPath),
		zap.Int("input_rows", len(rows)),
		zap.Int("output_rows", len(results)),
	)
	return map[string]any{"input_rows": len(rows), "output_rows": len(results)}, nil
}
