package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"stockflow/config"
	"stockflow/internal/archive"
	"stockflow/internal/cache"
	"stockflow/internal/calendar"
	"stockflow/internal/feed"
	"stockflow/internal/metrics"
	"stockflow/internal/store"
	"stockflow/logger"
	"stockflow/models"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	symbolsFlag := flag.String("symbols", "", "Comma-separated ticker symbols")
	startFlag := flag.String("start", "", "Range start date (YYYY-MM-DD)")
	endFlag := flag.String("end", "", "Range end date (YYYY-MM-DD)")
	refresh := flag.Bool("refresh", false, "Force re-fetch, discarding today's cached bars")
	archiveFlag := flag.Bool("archive", false, "Export the resulting series to S3 as parquet")
	watch := flag.Bool("watch", false, "Stay connected to the live bar stream after the fetch")

	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Stockflow.Name,
		"version": cfg.Stockflow.Version,
	}).Info("starting stockflow")

	symbols := splitSymbols(*symbolsFlag)
	if len(symbols) == 0 {
		log.Error("no symbols given, use -symbols AAPL,MSFT")
		os.Exit(1)
	}

	start, end, err := resolveRange(*startFlag, *endFlag)
	if err != nil {
		log.WithError(err).Error("invalid date range")
		os.Exit(1)
	}

	extra := make([]calendar.Date, 0, len(cfg.Calendar.ExtraHolidays))
	for _, h := range cfg.Calendar.ExtraHolidays {
		d, err := calendar.Parse(h)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"holiday": h}).
				Error("invalid extra holiday in configuration")
			os.Exit(1)
		}
		extra = append(extra, d)
	}
	calendar.RegisterHolidays(extra)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pg, err := store.New(ctx, cfg.Store)
	if err != nil {
		log.WithError(err).Error("failed to connect to bar store")
		os.Exit(1)
	}
	defer pg.Close()

	if err := pg.EnsureSchema(ctx); err != nil {
		log.WithError(err).Error("failed to ensure store schema")
		os.Exit(1)
	}

	client := feed.NewClient(cfg.Feed)
	coordinator := cache.NewCoordinator(pg, client, cache.OptionsFromConfig(cfg.Cache))

	var publisher *metrics.Publisher
	if cfg.Metrics.Enabled && cfg.Metrics.CloudWatch.Enabled {
		publisher, err = metrics.NewPublisher(ctx, cfg.Metrics.CloudWatch)
		if err != nil {
			log.WithError(err).Warn("failed to create metrics publisher, continuing without")
		} else {
			publisher.Start(ctx)
		}
	}

	result, err := coordinator.FetchAndCache(ctx, symbols, start, end, models.Day, *refresh)
	if err != nil {
		log.WithError(err).Error("fetch and cache failed")
		os.Exit(1)
	}

	total := 0
	for _, s := range result.Series {
		total += len(s.Bars)
		log.WithFields(logger.Fields{
			"symbol": s.Symbol,
			"bars":   len(s.Bars),
		}).Info("series ready")
	}
	log.WithFields(logger.Fields{
		"symbols":    len(result.Series),
		"bars":       total,
		"from_cache": result.ServedFromCache,
	}).Info("request completed")

	if *archiveFlag {
		if !cfg.Storage.S3.Enabled {
			log.Error("archive requested but storage.s3 is disabled in configuration")
			os.Exit(1)
		}
		archiver, err := archive.NewArchiver(ctx, cfg)
		if err != nil {
			log.WithError(err).Error("failed to create archiver")
			os.Exit(1)
		}
		if err := archiver.Archive(ctx, result.Series, models.Day, start, end); err != nil {
			log.WithError(err).Error("archive incomplete")
			os.Exit(1)
		}
	}

	if *watch {
		if !cfg.Feed.Stream.Enabled {
			log.Error("-watch requires feed.stream.enabled in configuration")
			os.Exit(1)
		}
		runStream(ctx, cancel, cfg, pg, symbols, publisher, log)
		return
	}

	if publisher != nil {
		cancel()
		publisher.Stop()
	}
	log.Info("stockflow finished")
}

// runStream keeps the live bar subscription up until a shutdown signal.
func runStream(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, pg *store.Postgres, symbols []string, publisher *metrics.Publisher, log *logger.Log) {
	subscriber := feed.NewSubscriber(cfg.Feed, pg, symbols)
	if err := subscriber.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start bar stream")
		os.Exit(1)
	}
	log.WithFields(logger.Fields{"symbols": len(symbols)}).Info("live bar stream running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	cancel()
	subscriber.Stop()
	if publisher != nil {
		publisher.Stop()
	}

	log.Info("stockflow stopped")
}

func splitSymbols(raw string) []string {
	var symbols []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			symbols = append(symbols, s)
		}
	}
	return symbols
}

// resolveRange applies defaults: end is the most recent market date, start
// is 90 calendar days earlier.
func resolveRange(startRaw, endRaw string) (calendar.Date, calendar.Date, error) {
	end := calendar.MarketDate(time.Now())
	if endRaw != "" {
		var err error
		end, err = calendar.Parse(endRaw)
		if err != nil {
			return calendar.Date{}, calendar.Date{}, err
		}
	}

	start := end.Add(-90)
	if startRaw != "" {
		var err error
		start, err = calendar.Parse(startRaw)
		if err != nil {
			return calendar.Date{}, calendar.Date{}, err
		}
	}

	if end.Before(start) {
		return calendar.Date{}, calendar.Date{}, errInvalidRange
	}
	return start, end, nil
}

var errInvalidRange = errors.New("end date precedes start date")
