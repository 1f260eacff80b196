package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alias1177/backtester/internal/model"
)

const sample = `Date,Open,High,Low,Close,Adj Close,Volume
2024-01-01,100,101,99,100.5,100.5,1000
2024-01-02,100.5,102,100,101.5,101.5,1200
2024-01-03,null,null,null,null,null,null
2024-01-04,101.5,103,101,102,102,
2024-01-05,102,104,101.5,103.5,103.5,900
`

func TestReadCSV(t *testing.T) {
	bars, err := ReadCSV(strings.NewReader(sample))
	require.NoError(t, err)
	require.Len(t, bars, 4, "null row is dropped")
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), bars[0].Time)
	assert.Equal(t, 101.5, bars[1].Close)
	assert.Zero(t, bars[2].Volume, "empty volume is allowed")
	assert.Equal(t, 900.0, bars[3].Volume)
}

func TestReadCSV_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		field string
	}{
		{name: "empty", input: "", field: "header"},
		{name: "missing close", input: "date,open,high,low\n2024-01-01,1,1,1\n", field: "header"},
		{name: "bad time", input: "date,open,high,low,close\nyesterday,1,1,1,1\n", field: "time"},
		{name: "bad number", input: "time,open,high,low,close\n2024-01-01 09:15,1,x,1,1\n", field: "high"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadCSV(strings.NewReader(tt.input))
			var dataErr *model.DataError
			require.ErrorAs(t, err, &dataErr)
			assert.Equal(t, tt.field, dataErr.Field)
		})
	}
}

func TestRequest_Trim(t *testing.T) {
	bars, err := ReadCSV(strings.NewReader(sample))
	require.NoError(t, err)

	tests := []struct {
		name  string
		req   Request
		first int
		count int
	}{
		{name: "everything", req: Request{}, first: 1, count: 4},
		{name: "from start", req: Request{Start: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)}, first: 2, count: 3},
		{name: "until end", req: Request{End: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)}, first: 1, count: 2},
		{name: "last bars", req: Request{Bars: 2}, first: 4, count: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.req.Trim(bars)
			require.Len(t, got, tt.count)
			assert.Equal(t, tt.first, got[0].Time.Day())
		})
	}
}

func TestRequest_Validate(t *testing.T) {
	var cfgErr *model.ConfigError
	require.ErrorAs(t, Request{}.Validate(), &cfgErr)
	assert.Equal(t, "symbol", cfgErr.Field)

	err := Request{Symbol: "X", Start: time.Now(), End: time.Now().Add(-time.Hour)}.Validate()
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "end", cfgErr.Field)
}

func TestCSVFile_History(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "EUR_USD.csv"), []byte(sample), 0o644))

	p := NewCSVFile(dir)
	s, err := p.History(context.Background(), Request{Symbol: "EUR/USD", Interval: "1day", Bars: 3})
	require.NoError(t, err)
	assert.Equal(t, "EUR/USD", s.Symbol)
	assert.Equal(t, 3, s.Len())

	_, err = p.History(context.Background(), Request{Symbol: "GBP/USD"})
	assert.ErrorIs(t, err, os.ErrNotExist)

	single := NewCSVFile(filepath.Join(dir, "EUR_USD.csv"))
	many, err := Load(context.Background(), single, Request{Interval: "1day"}, "A", "B")
	require.NoError(t, err)
	require.Len(t, many, 2)
	assert.Equal(t, "B", many[1].Symbol)
}

type stubProvider struct {
	series model.Series
	err    error
	calls  int
}

func (p *stubProvider) History(context.Context, Request) (model.Series, error) {
	p.calls++
	return p.series, p.err
}

func stubSeries(t *testing.T) model.Series {
	t.Helper()
	bars, err := ReadCSV(strings.NewReader(sample))
	require.NoError(t, err)
	s, err := model.NewSeries("NIFTY", "1day", bars)
	require.NoError(t, err)
	return s
}

func TestCache_MissThenStore(t *testing.T) {
	db, mock := redismock.NewClientMock()
	next := &stubProvider{series: stubSeries(t)}
	cache := NewCache(db, next, time.Hour)
	req := Request{Symbol: "NIFTY", Interval: "1day"}

	payload, err := json.Marshal(next.series)
	require.NoError(t, err)
	mock.ExpectGet(CacheKey(req)).RedisNil()
	mock.ExpectSet(CacheKey(req), payload, time.Hour).SetVal("OK")

	s, err := cache.History(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, next.calls)
	assert.Equal(t, next.series.Closes(), s.Closes())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCache_Hit(t *testing.T) {
	db, mock := redismock.NewClientMock()
	stored := stubSeries(t)
	next := &stubProvider{err: errors.New("must not be called")}
	cache := NewCache(db, next, time.Hour)
	req := Request{Symbol: "NIFTY", Interval: "1day"}

	payload, err := json.Marshal(stored)
	require.NoError(t, err)
	mock.ExpectGet(CacheKey(req)).SetVal(string(payload))

	s, err := cache.History(context.Background(), req)
	require.NoError(t, err)
	assert.Zero(t, next.calls)
	assert.Equal(t, stored.Closes(), s.Closes())
	assert.True(t, stored.Bars[0].Time.Equal(s.Bars[0].Time))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCache_RedisDownFallsThrough(t *testing.T) {
	db, mock := redismock.NewClientMock()
	next := &stubProvider{series: stubSeries(t)}
	cache := NewCache(db, next, 0)
	req := Request{Symbol: "NIFTY", Interval: "1day"}

	payload, err := json.Marshal(next.series)
	require.NoError(t, err)
	mock.ExpectGet(CacheKey(req)).SetErr(errors.New("connection refused"))
	mock.ExpectSet(CacheKey(req), payload, 0).SetErr(errors.New("connection refused"))

	s, err := cache.History(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, next.calls)
	assert.Equal(t, 4, s.Len())
}

func TestCache_ProviderErrorNotCached(t *testing.T) {
	db, mock := redismock.NewClientMock()
	next := &stubProvider{err: errors.New("upstream down")}
	cache := NewCache(db, next, time.Hour)
	req := Request{Symbol: "NIFTY"}

	mock.ExpectGet(CacheKey(req)).RedisNil()
	_, err := cache.History(context.Background(), req)
	require.EqualError(t, err, "upstream down")
	assert.NoError(t, mock.ExpectationsWereMet())
}
