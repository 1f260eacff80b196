package twelvedata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/backtester/internal/marketdata"
	"github.com/Alias1177/backtester/internal/model"
	httpClient "github.com/Alias1177/backtester/internal/platform/http"
)

// maxOutputSize is the largest page the time_series endpoint returns.
const maxOutputSize = 5000

// Client is the TwelveData API client
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *httpClient.Client
	logger     zerolog.Logger
}

// ClientOptions holds options for creating a new TwelveData client
type ClientOptions struct {
	APIKey          string
	BaseURL         string
	RequestTimeout  time.Duration
	RequestsPerSec  int
	MaxRetries      int
	MaxRetryTimeout time.Duration
}

// NewClient creates a new TwelveData API client
func NewClient(options ClientOptions) *Client {
	httpOpts := httpClient.ClientOptions{
		Name:            "twelvedata",
		Timeout:         options.RequestTimeout,
		RequestsPerSec:  options.RequestsPerSec,
		MaxRetries:      options.MaxRetries,
		MaxRetryTimeout: options.MaxRetryTimeout,
	}

	// Apply defaults if not set
	if httpOpts.Timeout == 0 {
		httpOpts.Timeout = 30 * time.Second
	}
	if httpOpts.RequestsPerSec == 0 {
		httpOpts.RequestsPerSec = 5
	}
	baseURL := options.BaseURL
	if baseURL == "" {
		baseURL = "https://api.twelvedata.com"
	}

	return &Client{
		apiKey:     options.APIKey,
		baseURL:    baseURL,
		httpClient: httpClient.NewClient(httpOpts),
		logger:     log.With().Str("component", "twelvedata_client").Logger(),
	}
}

type timeSeriesResponse struct {
	Status  string      `json:"status"`
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Values  []valueJSON `json:"values"`
}

type valueJSON struct {
	Datetime string `json:"datetime"`
	Open     string `json:"open"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Close    string `json:"close"`
	Volume   string `json:"volume"`
}

// History fetches bars from the time_series endpoint. It implements
// marketdata.Provider.
func (c *Client) History(ctx context.Context, req marketdata.Request) (model.Series, error) {
	if err := req.Validate(); err != nil {
		return model.Series{}, err
	}
	if c.apiKey == "" {
		return model.Series{}, model.NewConfigError("twelve_api_key", "required for the twelvedata provider")
	}
	interval := req.Interval
	if interval == "" {
		interval = "1day"
	}

	size := req.Bars
	if size <= 0 || size > maxOutputSize {
		size = maxOutputSize
	}
	q := url.Values{}
	q.Set("symbol", req.Symbol)
	q.Set("interval", interval)
	q.Set("outputsize", strconv.Itoa(size))
	q.Set("order", "ASC")
	q.Set("timezone", "UTC")
	if !req.Start.IsZero() {
		q.Set("start_date", req.Start.UTC().Format("2006-01-02 15:04:05"))
	}
	if !req.End.IsZero() {
		q.Set("end_date", req.End.UTC().Format("2006-01-02 15:04:05"))
	}

	c.logger.Debug().Str("symbol", req.Symbol).Str("interval", interval).Str("query", q.Encode()).Msg("Fetching candles")
	q.Set("apikey", c.apiKey)

	// Create a new request with context
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/time_series?"+q.Encode(), nil)
	if err != nil {
		return model.Series{}, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.DoRequest(ctx, httpReq)
	if err != nil {
		return model.Series{}, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.Series{}, fmt.Errorf("reading response body: %w", err)
	}

	var data timeSeriesResponse
	if err := json.Unmarshal(body, &data); err != nil {
		c.logger.Error().Err(err).Str("response", string(body)).Msg("Error parsing JSON")
		return model.Series{}, fmt.Errorf("parsing JSON: %w", err)
	}
	if data.Status == "error" {
		c.logger.Error().Int("code", data.Code).Str("message", data.Message).Msg("Twelve Data API error")
		return model.Series{}, fmt.Errorf("twelve data API error %d: %s", data.Code, data.Message)
	}
	if len(data.Values) == 0 {
		c.logger.Warn().Str("symbol", req.Symbol).Msg("No candles in response")
		return model.Series{}, &model.DataError{Field: "bars", Index: -1, Reason: "empty data returned for " + req.Symbol}
	}

	// Sort candles by datetime (oldest first for proper calculations)
	sort.Slice(data.Values, func(i, j int) bool {
		return data.Values[i].Datetime < data.Values[j].Datetime
	})

	bars := make([]model.Bar, 0, len(data.Values))
	for i, v := range data.Values {
		bar, err := v.bar()
		if err != nil {
			return model.Series{}, &model.DataError{Field: "bars", Index: i, Reason: err.Error()}
		}
		bars = append(bars, bar)
	}
	bars = req.Trim(bars)

	c.logger.Debug().Int("count", len(bars)).Msg("Fetched candles")
	return model.NewSeries(req.Symbol, interval, bars)
}

func (v valueJSON) bar() (model.Bar, error) {
	var bar model.Bar
	var err error
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02"} {
		if bar.Time, err = time.Parse(layout, v.Datetime); err == nil {
			break
		}
	}
	if err != nil {
		return bar, fmt.Errorf("datetime %q: %w", v.Datetime, err)
	}
	for _, f := range []struct {
		raw string
		dst *float64
	}{{v.Open, &bar.Open}, {v.High, &bar.High}, {v.Low, &bar.Low}, {v.Close, &bar.Close}} {
		if *f.dst, err = strconv.ParseFloat(f.raw, 64); err != nil {
			return bar, fmt.Errorf("price %q: %w", f.raw, err)
		}
	}
	if v.Volume != "" {
		if bar.Volume, err = strconv.ParseFloat(v.Volume, 64); err != nil {
			return bar, fmt.Errorf("volume %q: %w", v.Volume, err)
		}
	}
	return bar, nil
}
