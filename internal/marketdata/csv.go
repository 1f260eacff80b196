package marketdata

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/backtester/internal/model"
)

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	time.DateOnly,
	"02-01-2006",
}

// CSVFile serves history from CSV exports with a header row naming the
// date, open, high, low and close columns (volume optional, any case, any
// order). Root is either one file, used for every symbol, or a directory
// holding <symbol>.csv files with "/" in symbols replaced by "_".
type CSVFile struct {
	Root   string
	logger zerolog.Logger
}

// NewCSVFile returns a provider rooted at path.
func NewCSVFile(path string) *CSVFile {
	return &CSVFile{
		Root:   path,
		logger: log.With().Str("component", "csv_provider").Logger(),
	}
}

// History implements Provider.
func (c *CSVFile) History(ctx context.Context, req Request) (model.Series, error) {
	if err := req.Validate(); err != nil {
		return model.Series{}, err
	}
	if err := ctx.Err(); err != nil {
		return model.Series{}, err
	}

	path, err := c.path(req.Symbol)
	if err != nil {
		return model.Series{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return model.Series{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	bars, err := ReadCSV(f)
	if err != nil {
		return model.Series{}, fmt.Errorf("read %s: %w", path, err)
	}
	bars = req.Trim(bars)
	c.logger.Debug().Str("path", path).Str("symbol", req.Symbol).Int("bars", len(bars)).Msg("Loaded history")
	return model.NewSeries(req.Symbol, req.Interval, bars)
}

func (c *CSVFile) path(symbol string) (string, error) {
	info, err := os.Stat(c.Root)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", c.Root, err)
	}
	if !info.IsDir() {
		return c.Root, nil
	}
	return filepath.Join(c.Root, strings.ReplaceAll(symbol, "/", "_")+".csv"), nil
}

// ReadCSV parses bars in file order; rows must be oldest first, which
// model.NewSeries checks later. Rows with an empty or "null" price are
// dropped.
func ReadCSV(r io.Reader) ([]model.Bar, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &model.DataError{Field: "header", Index: -1, Reason: "empty file"}
		}
		return nil, err
	}
	cols, err := columns(header)
	if err != nil {
		return nil, err
	}

	var bars []model.Bar
	for row := 0; ; row++ {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		ts, err := parseTime(rec[cols["time"]])
		if err != nil {
			return nil, &model.DataError{Field: "time", Index: row, Reason: err.Error()}
		}
		bar := model.Bar{Time: ts}
		missing := false
		for _, field := range []struct {
			name string
			dst  *float64
		}{{"open", &bar.Open}, {"high", &bar.High}, {"low", &bar.Low}, {"close", &bar.Close}, {"volume", &bar.Volume}} {
			idx, ok := cols[field.name]
			if !ok {
				continue
			}
			raw := strings.TrimSpace(rec[idx])
			if raw == "" || strings.EqualFold(raw, "null") {
				missing = field.name != "volume"
				if missing {
					break
				}
				continue
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, &model.DataError{Field: field.name, Index: row, Reason: fmt.Sprintf("not a number: %q", raw)}
			}
			*field.dst = v
		}
		if missing {
			continue
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func columns(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		switch name := strings.ToLower(strings.TrimSpace(h)); name {
		case "date", "datetime", "time", "timestamp":
			cols["time"] = i
		case "open", "high", "low", "close", "volume":
			cols[name] = i
		}
	}
	for _, required := range []string{"time", "open", "high", "low", "close"} {
		if _, ok := cols[required]; !ok {
			return nil, &model.DataError{Field: "header", Index: -1, Reason: "missing column " + required}
		}
	}
	return cols, nil
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	if sec, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", raw)
}
