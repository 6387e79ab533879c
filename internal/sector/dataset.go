package sector

import (
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
)

// Float is a float64 whose CSV form is empty for NaN, matching how pandas
// writes missing values.
type Float float64

// NaN returns a missing value.
func NaN() Float { return Float(math.NaN()) }

// IsNaN reports whether f is missing.
func (f Float) IsNaN() bool { return math.IsNaN(float64(f)) }

func (f Float) MarshalText() ([]byte, error) {
	if f.IsNaN() {
		return []byte{}, nil
	}
	return strconv.AppendFloat(nil, float64(f), 'f', -1, 64), nil
}

func (f *Float) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" || strings.EqualFold(s, "nan") {
		*f = NaN()
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return eris.Wrapf(err, "sector: parse %q", s)
	}
	*f = Float(v)
	return nil
}

// Row is one company in the collected dataset.
type Row struct {
	Sector          string `csv:"Sector"`
	Ticker          string `csv:"Ticker"`
	Beta            Float  `csv:"Beta"`
	Volatility      Float  `csv:"Volatility"`
	DebtToEquity    Float  `csv:"DebtToEquity"`
	RevenueGrowth   Float  `csv:"RevenueGrowth"`
	EarningsGrowth  Float  `csv:"EarningsGrowth"`
	ProfitMargins   Float  `csv:"ProfitMargins"`
	ROE             Float  `csv:"ROE"`
	ROA             Float  `csv:"ROA"`
	OperatingMargin Float  `csv:"OperatingMargin"`
	PE              Float  `csv:"PE"`
}

// emptyRow returns a row with every metric missing.
func emptyRow(sector, ticker string) Row {
	r := Row{Sector: sector, Ticker: ticker}
	for _, m := range Metrics {
		m.Set(&r, math.NaN())
	}
	return r
}

// Result is one row of sector_analysis.csv.
type Result struct {
	Sector       string `csv:"Sector"`
	Ticker       string `csv:"Ticker"`
	RiskScore    Float  `csv:"Risk_Score"`
	GrowthScore  Float  `csv:"Growth_Score"`
	QualityScore Float  `csv:"Quality_Score"`
	PE           Float  `csv:"PE"`
	PEZScore     Float  `csv:"PE_ZScore"`
}

// ReadDataset loads a dataset CSV written by WriteDataset.
func ReadDataset(path string) ([]Row, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "sector: read dataset %s", path)
	}
	var rows []Row
	if err := csvutil.Unmarshal(data, &rows); err != nil {
		return nil, eris.Wrapf(err, "sector: decode dataset %s", path)
	}
	return rows, nil
}

// WriteDataset writes rows to path atomically.
func WriteDataset(path string, rows []Row) error {
	data, err := csvutil.Marshal(rows)
	if err != nil {
		return eris.Wrap(err, "sector: encode dataset")
	}
	return writeAtomic(path, data)
}

// WriteResults writes the analysis artifact to path atomically.
func WriteResults(path string, results []Result) error {
	data, err := csvutil.Marshal(results)
	if err != nil {
		return eris.Wrap(err, "sector: encode results")
	}
	return writeAtomic(path, data)
}

// writeAtomic writes data to a temp file in the target directory and renames
// it over path, so readers never see a partial file.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "sector: mkdir %s", dir)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return eris.Wrap(err, "sector: create temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrap(err, "sector: write temp file")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "sector: close temp file")
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return eris.Wrap(err, "sector: chmod temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return eris.Wrapf(err, "sector: rename to %s", path)
	}
	return nil
}
