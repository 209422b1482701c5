// Command barsim runs deterministic broker execution simulations over
// historical bars: fetch data, validate configuration, run a backtest, and
// inspect results.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"barsim/internal/checkpoint"
	"barsim/internal/config"
	"barsim/internal/domain"
	"barsim/internal/gather"
	"barsim/internal/sim"
	"barsim/internal/store"
	"barsim/internal/util"
)

const version = "0.1.0"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: barsim <command> [options]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  run              Run a simulation over stored bars\n")
		fmt.Fprintf(os.Stderr, "  fetch            Fetch historical daily bars into the store\n")
		fmt.Fprintf(os.Stderr, "  validate-config  Load and validate a config file\n")
		fmt.Fprintf(os.Stderr, "  version          Print the version\n")
		fmt.Fprintf(os.Stderr, "\n")
	}

	if len(os.Args) < 2 {
		flag.Usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(os.Args[2:])
	case "fetch":
		err = cmdFetch(os.Args[2:])
	case "validate-config":
		err = cmdValidateConfig(os.Args[2:])
	case "version":
		fmt.Printf("barsim %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("%s: %v", os.Args[1], err)
	}
}

func configPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv("BARSIM_CONFIG"); p != "" {
		return p
	}
	return "config/barsim.yaml"
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to config file")
	ordersPath := fs.String("orders", "", "path to the order schedule JSON file")
	symbols := fs.String("symbols", "", "comma-separated symbols to simulate")
	startStr := fs.String("start", "", "feed start date (YYYY-MM-DD)")
	endStr := fs.String("end", "", "feed end date (YYYY-MM-DD)")
	resume := fs.String("resume", "", "checkpoint file to resume from")
	fs.Parse(args)

	cfg, err := config.Load(configPath(*cfgPath))
	if err != nil {
		return err
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	if *ordersPath == "" || *symbols == "" || *startStr == "" || *endStr == "" {
		return fmt.Errorf("run requires -orders, -symbols, -start, and -end")
	}
	start, err := time.Parse("2006-01-02", *startStr)
	if err != nil {
		return fmt.Errorf("parsing -start: %w", err)
	}
	end, err := time.Parse("2006-01-02", *endStr)
	if err != nil {
		return fmt.Errorf("parsing -end: %w", err)
	}
	end = end.Add(24*time.Hour - time.Nanosecond)

	schedule, err := loadOrders(*ordersPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bars := store.NewParquetStore(cfg.Storage.DataDir)
	feed, err := store.Feed(ctx, bars, splitSymbols(*symbols), start, end)
	if err != nil {
		return fmt.Errorf("assembling feed: %w", err)
	}
	if len(feed) == 0 {
		return fmt.Errorf("no bars stored for %s in [%s, %s]", *symbols, *startStr, *endStr)
	}

	simulator, err := sim.New(&cfg.Provider, &cfg.Simulator, logger)
	if err != nil {
		return err
	}

	var mgr *checkpoint.Manager
	if cfg.Simulator.CheckpointInterval > 0 || *resume != "" {
		if mgr, err = checkpoint.NewManager(cfg.Simulator.CheckpointDir, logger); err != nil {
			return err
		}
	}
	if *resume != "" {
		st, err := mgr.Load(*resume, simulator.ConfigHash())
		if err != nil {
			return err
		}
		if err := simulator.Restore(st); err != nil {
			return err
		}
		feed = feedAfter(feed, st.LastTickAt)
	}

	res, err := simulator.Run(ctx, feed, schedule, mgr)
	if err != nil {
		return err
	}

	results, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("opening result store: %w", err)
	}
	defer results.Close()

	run := store.RunRecord{
		BacktestID:      res.BacktestID,
		ConfigHash:      res.ConfigHash,
		CreatedAt:       time.Now().UTC(),
		BarsProcessed:   res.BarsProcessed,
		FinalEquity:     res.FinalEquity,
		RealizedPnL:     res.RealizedPnL,
		TotalCommission: res.TotalCommission,
		TotalSlippage:   res.TotalSlippage,
	}
	if err := results.SaveRun(ctx, run, res.Fills, res.Rejected, res.EquityCurve); err != nil {
		return fmt.Errorf("saving results: %w", err)
	}

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func cmdFetch(args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to config file")
	symbols := fs.String("symbols", "", "comma-separated symbols to fetch")
	startStr := fs.String("start", "", "start date (YYYY-MM-DD), default from config")
	endStr := fs.String("end", "", "end date (YYYY-MM-DD), default from config")
	fs.Parse(args)

	cfg, err := config.Load(configPath(*cfgPath))
	if err != nil {
		return err
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	if *startStr == "" {
		*startStr = cfg.Fetch.StartDate
	}
	if *endStr == "" {
		*endStr = cfg.Fetch.EndDate
	}
	start, err := time.Parse("2006-01-02", *startStr)
	if err != nil {
		return fmt.Errorf("parsing start date %q: %w", *startStr, err)
	}
	end, err := time.Parse("2006-01-02", *endStr)
	if err != nil {
		return fmt.Errorf("parsing end date %q: %w", *endStr, err)
	}
	if *symbols == "" {
		return fmt.Errorf("fetch requires -symbols")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bars := store.NewParquetStore(cfg.Storage.DataDir)
	fetcher := gather.NewFetcher(cfg.Alpaca, cfg.Fetch, bars, logger)
	n, err := fetcher.FetchDaily(ctx, splitSymbols(*symbols), start, end)
	if err != nil {
		return err
	}
	logger.Info("fetch complete", "bars", n)
	return nil
}

func cmdValidateConfig(args []string) error {
	fs := flag.NewFlagSet("validate-config", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	path := configPath(*cfgPath)
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	hash, err := config.Hash(&cfg.Provider, &cfg.Simulator)
	if err != nil {
		return err
	}
	fmt.Printf("%s: ok (provider=%s, config_hash=%.12s)\n", path, cfg.Provider.Name, hash)
	return nil
}

// loadOrders reads the order schedule: a JSON array of order requests.
func loadOrders(path string) ([]domain.OrderRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading orders: %w", err)
	}
	var schedule []domain.OrderRequest
	if err := json.Unmarshal(data, &schedule); err != nil {
		return nil, fmt.Errorf("parsing orders %s: %w", path, err)
	}
	return schedule, nil
}

func splitSymbols(s string) []string {
	var out []string
	for _, sym := range strings.Split(s, ",") {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym != "" {
			out = append(out, sym)
		}
	}
	return out
}

// feedAfter drops ticks at or before the checkpointed cursor so a resumed
// run continues from the next unprocessed bar.
func feedAfter(feed [][]domain.Bar, lastTick time.Time) [][]domain.Bar {
	for i, tick := range feed {
		if len(tick) > 0 && tick[0].Timestamp.After(lastTick) {
			return feed[i:]
		}
	}
	return nil
}
