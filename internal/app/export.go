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

	"cewatcher/internal/storage"
)

// ratePoint is one stored value of a single rate.
type ratePoint struct {
	At     time.Time
	PullID string
	Value  float64
	Raw    string
}

// Export renders the stored pull history of one rate as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.RateID == "" {
		return errors.New("--rate is required")
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

	// Pulls are taken at most once a day.
	from := to.AddDate(0, 0, -opts.MaxPoints)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	pulls, err := store.ListPullsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	points := pointsFor(pulls, opts.RateID)
	if len(points) == 0 {
		a.Logger.Info().Str("rate_id", opts.RateID).Msg("no stored values found for export window")
		return nil
	}

	downsampled := downsample(points, opts.MaxPoints)
	a.Logger.Info().Int("total", len(points)).Int("exported", len(downsampled)).Msg("exporting rate history")

	if opts.CSVPath != "" {
		if err := writePointsCSV(opts.CSVPath, opts.RateID, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writePointsPNG(opts.PNGPath, opts.RateID, downsampled); err != nil {
			return err
		}
	}

	return nil
}

// pointsFor extracts the numeric values of rateID, skipping pulls where it was absent or invalid.
func pointsFor(pulls []storage.Pull, rateID string) []ratePoint {
	out := make([]ratePoint, 0, len(pulls))
	for _, p := range pulls {
		obs, ok := p.Rates[rateID]
		if !ok || !obs.Value.Valid {
			continue
		}
		out = append(out, ratePoint{
			At:     p.CreatedAt,
			PullID: p.ID,
			Value:  obs.Value.Decimal.InexactFloat64(),
			Raw:    obs.Value.Decimal.String(),
		})
	}
	return out
}

func downsample[T any](items []T, max int) []T {
	if max <= 0 || len(items) <= max {
		return items
	}
	if max == 1 {
		return items[len(items)-1:]
	}

	result := make([]T, 0, max)
	step := float64(len(items)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(items) {
			idx = len(items) - 1
		}
		result = append(result, items[idx])
	}
	return result
}

func writePointsCSV(path, rateID string, points []ratePoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	if err := writer.Write([]string{"created_at", "pull_id", "rate_id", "value"}); err != nil {
		return err
	}
	for _, p := range points {
		if err := writer.Write([]string{p.At.UTC().Format(time.RFC3339), p.PullID, rateID, p.Raw}); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writePointsPNG(path, rateID string, points []ratePoint) error {
	if len(points) < 2 {
		return errors.New("at least two values are needed to draw a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(points))
	y := make([]float64, len(points))
	for i, p := range points {
		x[i] = p.At
		y[i] = p.Value
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeDateValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: rateID,
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.4f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    rateID,
				XValues: x,
				YValues: y,
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
