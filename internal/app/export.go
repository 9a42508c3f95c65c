package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"spread-alerts/internal/storage"
)

// Export renders alert history as CSV and/or a PNG chart of spreads over time.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-a.Config.Export.DefaultWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	alerts, err := store.ListAlertsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	alerts = filterBySymbol(alerts, opts.Symbol)
	if len(alerts) == 0 {
		a.Logger.Info().Time("from", from).Time("to", to).Msg("no alerts found for export window")
		return nil
	}

	downsampled := downsampleAlerts(alerts, opts.MaxPoints)
	a.Logger.Info().Int("total", len(alerts)).Int("exported", len(downsampled)).Msg("exporting alerts")

	if opts.CSVPath != "" {
		if err := writeAlertsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeAlertsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func filterBySymbol(alerts []storage.AlertRecord, symbol string) []storage.AlertRecord {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return alerts
	}
	return lo.Filter(alerts, func(rec storage.AlertRecord, _ int) bool {
		return strings.EqualFold(rec.Symbol, symbol)
	})
}

func downsampleAlerts(alerts []storage.AlertRecord, max int) []storage.AlertRecord {
	if max <= 0 || len(alerts) <= max {
		return alerts
	}
	if max == 1 {
		return alerts[:1]
	}

	result := make([]storage.AlertRecord, 0, max)
	step := float64(len(alerts)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(alerts) {
			idx = len(alerts) - 1
		}
		result = append(result, alerts[idx])
	}
	return result
}

func writeAlertsCSV(path string, alerts []storage.AlertRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"created_at", "job_id", "user_id", "symbol", "spread_pct", "buy_exchange", "buy_price", "sell_exchange", "sell_price", "profit"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range alerts {
		record := []string{
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.JobID,
			rec.UserID,
			rec.Symbol,
			rec.SpreadPct.String(),
			rec.BuyExchange,
			rec.BuyPrice.String(),
			rec.SellExchange,
			rec.SellPrice.String(),
			rec.Profit.String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// writeAlertsPNG draws one spread series per symbol.
func writeAlertsPNG(path string, alerts []storage.AlertRecord) error {
	if len(alerts) < 2 {
		return fmt.Errorf("need at least two alerts to draw a chart, got %d", len(alerts))
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	bySymbol := lo.GroupBy(alerts, func(rec storage.AlertRecord) string { return rec.Symbol })
	symbols := lo.Keys(bySymbol)
	sort.Strings(symbols)

	series := make([]chart.Series, 0, len(symbols))
	for _, sym := range symbols {
		recs := bySymbol[sym]
		x := make([]time.Time, len(recs))
		y := make([]float64, len(recs))
		for i, rec := range recs {
			x[i] = rec.CreatedAt
			y[i] = rec.SpreadPct.InexactFloat64()
		}
		series = append(series, chart.TimeSeries{
			Name:    sym,
			XValues: x,
			YValues: y,
		})
	}

	pctFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Spread (%)",
			ValueFormatter: pctFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := graph.Render(chart.PNG, file); err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	return nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
