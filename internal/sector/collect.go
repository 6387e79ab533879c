package sector

import (
	"context"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/sector-refresh/pkg/yahoo"
)

// ErrNoData is returned when no sector produced any company rows.
var ErrNoData = eris.New("sector: no data collected")

// Collector gathers per-company metrics for each sector.
type Collector struct {
	Client        yahoo.Client
	Sectors       []string
	MaxConcurrent int
	SectorDelay   time.Duration
	DatasetPath   string
}

// Collect fetches every sector in order. A sector whose company list cannot
// be fetched is skipped; a company whose quote fails gets all-NaN metrics.
func (c *Collector) Collect(ctx context.Context) ([]Row, error) {
	log := zap.L().With(zap.String("component", "sector.collect"))

	if len(c.Sectors) == 0 {
		return nil, eris.New("sector: no sectors configured")
	}

	var all []Row
	for i, s := range c.Sectors {
		if i > 0 && c.SectorDelay > 0 {
			if err := sleep(ctx, c.SectorDelay); err != nil {
				return nil, err
			}
		}

		rows, err := c.collectSector(ctx, s)
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "sector: collect cancelled")
		}
		if err != nil {
			log.Warn("sector: skipping sector", zap.String("sector", s), zap.Error(err))
			continue
		}
		log.Info("sector: collected",
			zap.String("sector", DisplayName(s)),
			zap.Int("companies", len(rows)),
		)
		all = append(all, rows...)
	}

	if len(all) == 0 {
		return nil, ErrNoData
	}
	return all, nil
}

func (c *Collector) collectSector(ctx context.Context, sector string) ([]Row, error) {
	tickers, err := c.Client.TopCompanies(ctx, sector)
	if err != nil {
		return nil, err
	}
	if len(tickers) == 0 {
		return nil, eris.Errorf("sector: no companies for %s", sector)
	}

	limit := c.MaxConcurrent
	if limit <= 0 {
		limit = 2
	}

	rows := make([]Row, len(tickers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, t := range tickers {
		g.Go(func() error {
			rows[i] = c.companyRow(gctx, sector, t)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *Collector) companyRow(ctx context.Context, sector, ticker string) Row {
	row := emptyRow(sector, ticker)

	quote, err := c.Client.QuoteSummary(ctx, ticker)
	if err != nil {
		if ctx.Err() == nil {
			zap.L().Warn("sector: quote failed",
				zap.String("component", "sector.collect"),
				zap.String("ticker", ticker),
				zap.Error(err),
			)
		}
		return row
	}

	for _, m := range Metrics {
		if v, ok := quote.Get(m.Key); ok {
			m.Set(&row, v)
		} else {
			m.Set(&row, math.NaN())
		}
	}
	return row
}

// Run implements the fetch step: collect and write the dataset.
func (c *Collector) Run(ctx context.Context) (map[string]any, error) {
	rows, err := c.Collect(ctx)
	if err != nil {
		return nil, err
	}
	if err := WriteDataset(c.DatasetPath, rows); err != nil {
		return nil, err
	}

	sectors := make(map[string]struct{})
	for _, r := range rows {
		sectors[r.Sector] = struct{}{}
	}
	return map[string]any{"rows": len(rows), "sectors": len(sectors)}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "sector: collect cancelled")
	case <-t.C:
		return nil
	}
}
