// Package gather fetches historical market data into the bar store so
// simulations can run against real bars.
package gather

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"barsim/internal/config"
	"barsim/internal/domain"
	"barsim/internal/store"
	"barsim/internal/util"
)

const (
	defaultBatchSize       = 200
	defaultRateLimitPerMin = 200
	fetchAttempts          = 3
)

// BarSource is the slice of the Alpaca market-data client the fetcher uses.
type BarSource interface {
	GetMultiBars(symbols []string, req marketdata.GetBarsRequest) (map[string][]marketdata.Bar, error)
}

// Fetcher pulls historical daily bars from the Alpaca market-data API into
// a BarStore.
type Fetcher struct {
	source    BarSource
	store     store.BarStore
	limiter   *util.RateLimiter
	batchSize int
	log       *slog.Logger
}

// NewFetcher builds a Fetcher from the Alpaca credentials and fetch
// settings in the configuration.
func NewFetcher(alpaca config.Alpaca, fetch config.FetchConfig, bs store.BarStore, logger *slog.Logger) *Fetcher {
	opts := marketdata.ClientOpts{
		APIKey:    alpaca.APIKey,
		APISecret: alpaca.APISecret,
	}
	if alpaca.DataURL != "" {
		opts.BaseURL = alpaca.DataURL
	}

	perMin := fetch.RateLimitPerMin
	if perMin <= 0 {
		perMin = defaultRateLimitPerMin
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		source:    marketdata.NewClient(opts),
		store:     bs,
		limiter:   util.NewRateLimiter(perMin),
		batchSize: defaultBatchSize,
		log:       logger.With("component", "gather"),
	}
}

// FetchDaily fetches daily bars for the given symbols over [start, end] and
// writes them to the store. Returns the number of bars written. Symbols the
// API returns nothing for are logged and skipped, not errors.
func (f *Fetcher) FetchDaily(ctx context.Context, symbols []string, start, end time.Time) (int, error) {
	if len(symbols) == 0 {
		return 0, fmt.Errorf("gather: no symbols to fetch")
	}
	if end.Before(start) {
		return 0, fmt.Errorf("gather: end %v before start %v", end, start)
	}

	total := 0
	for i := 0; i < len(symbols); i += f.batchSize {
		batchEnd := min(i+f.batchSize, len(symbols))
		batch := symbols[i:batchEnd]

		if err := f.limiter.Wait(ctx); err != nil {
			return total, err
		}

		var multiBars map[string][]marketdata.Bar
		err := util.Retry(ctx, fetchAttempts, time.Second, func() error {
			var err error
			multiBars, err = f.source.GetMultiBars(batch, marketdata.GetBarsRequest{
				TimeFrame: marketdata.OneDay,
				Start:     start,
				End:       end,
			})
			return err
		})
		if err != nil {
			return total, fmt.Errorf("fetching bars for batch %v: %w", batch, err)
		}

		bars := convertBars(multiBars)
		if err := f.store.WriteBars(ctx, bars); err != nil {
			return total, fmt.Errorf("writing bars: %w", err)
		}
		total += len(bars)

		for _, sym := range batch {
			if _, ok := multiBars[sym]; !ok {
				f.log.Warn("no bars returned", "symbol", sym)
			}
		}
		f.log.Info("batch fetched", "symbols", len(batch), "bars", len(bars))
	}
	return total, nil
}

func convertBars(multiBars map[string][]marketdata.Bar) []domain.Bar {
	var bars []domain.Bar
	for symbol, alpacaBars := range multiBars {
		for _, ab := range alpacaBars {
			bars = append(bars, domain.Bar{
				Symbol:    strings.ToUpper(symbol),
				Timestamp: ab.Timestamp.UTC(),
				Open:      ab.Open,
				High:      ab.High,
				Low:       ab.Low,
				Close:     ab.Close,
				Volume:    int64(ab.Volume),
			})
		}
	}
	return bars
}
