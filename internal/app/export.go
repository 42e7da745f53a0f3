package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"gpufleet/internal/model"
)

// Export renders one (provider, gpu type) price series as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	prov := model.Provider(opts.Provider)
	if !prov.Valid() {
		return errors.New("--provider must be one of local, runpod, vast")
	}
	if opts.GPUType == "" {
		return errors.New("--gpu-type is required")
	}
	if a.Config.Database.DSN == "" {
		return errors.New("database not configured; cannot export")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Engine.PriceTick)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := store.ListPriceRecords(ctx, prov, opts.GPUType, from, to)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Msg("no price records found for export window")
		return nil
	}

	downsampled := downsampleRecords(records, opts.MaxPoints)
	a.Logger.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting price records")

	if opts.CSVPath != "" {
		if err := writeRecordsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeRecordsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleRecords(records []model.PriceRecord, max int) []model.PriceRecord {
	if max <= 0 || len(records) <= max {
		return records
	}

	result := make([]model.PriceRecord, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

func writeRecordsCSV(path string, records []model.PriceRecord) error {
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

	header := []string{"recorded_at", "provider", "gpu_type", "price_per_hour_usd"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		record := []string{
			rec.RecordedAt.Format(time.RFC3339),
			string(rec.Provider),
			rec.GPUType,
			rec.PricePerHour.String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeRecordsPNG(path string, records []model.PriceRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	stats := model.ComputePriceStats(records)

	x := make([]time.Time, len(records))
	price := make([]float64, len(records))
	avg := make([]float64, len(records))
	for i, rec := range records {
		x[i] = rec.RecordedAt
		price[i] = rec.PricePerHour.InexactFloat64()
		avg[i] = stats.AvgPrice.InexactFloat64()
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price (USD/hr)",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    string(records[0].Provider) + " " + records[0].GPUType,
				XValues: x,
				YValues: price,
			},
			chart.TimeSeries{
				Name:    "Window average",
				XValues: x,
				YValues: avg,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
