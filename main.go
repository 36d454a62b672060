package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"tickerflow/config"
	"tickerflow/internal/batcher"
	"tickerflow/internal/channel"
	"tickerflow/internal/control"
	"tickerflow/internal/directory"
	"tickerflow/internal/enrich"
	"tickerflow/internal/metrics"
	"tickerflow/internal/models"
	"tickerflow/internal/orchestrator"
	"tickerflow/internal/reader"
	"tickerflow/internal/store"
	"tickerflow/internal/symbols"
	"tickerflow/internal/writer"
	"tickerflow/logger"
)

// pipeline is the per-category hand-off from feeds to the store.
type pipeline struct {
	cfg      config.CategoryConfig
	category models.Category
	channel  *channel.Channels
	emitter  reader.Emitter
}

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.ResolveConfigPath("config/config.yml"), "Path to configuration file")
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
		"service": cfg.Tickerflow.Name,
		"version": cfg.Tickerflow.Version,
	}).Info("starting tickerflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == logger.LevelReport {
		logger.StartReport(ctx, log, cfg.Logging.ReportInterval)
	}
	if cfg.CloudWatch.Enabled {
		logger.InitCloudWatch(ctx, cfg.CloudWatch.Region, cfg.CloudWatch.Namespace, cfg.CloudWatch.Dashboard)
	}
	metrics.Init(nil)

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Error("failed to open ticker store")
		os.Exit(1)
	}
	defer st.Close()

	mirrors, stopMirrors := startMirrors(ctx, cfg, log)

	sink := writer.NewTickerWriter(st, log, mirrors...)
	for name, pc := range cfg.Providers {
		sink.SetPolicy(name, writer.Policy{RequireExisting: pc.RequireExisting, DeriveChange: pc.DeriveChange})
	}

	normalizer := symbols.Default(cfg.SymbolMaps)
	providers := orchestrator.NewProviders(cfg)

	var rangeSource enrich.RangeSource
	if len(cfg.Enrichment.Providers) > 0 {
		fetchers, err := providers.RangeFetchers(cfg.Enrichment.Providers)
		if err != nil {
			log.WithError(err).Error("invalid enrichment providers")
			os.Exit(1)
		}
		rangeSource = enrich.NewFetcher(normalizer, providers.Limits(), cfg.Enrichment.Cooldown, log, fetchers...)
	}
	intervals := parseIntervals(cfg.Enrichment.Intervals, log)

	var batchWG sync.WaitGroup
	pipelines := make(map[models.Category]*pipeline, len(cfg.Categories))
	for _, cc := range cfg.Categories {
		category, err := models.ParseCategory(cc.Name)
		if err != nil {
			log.WithError(err).Error("invalid category in configuration")
			os.Exit(1)
		}

		ch := channel.NewChannels(string(category), cfg.Batching.ChannelBuffer)
		ch.StartMetricsReporting(ctx, cfg.Logging.ReportInterval)

		b := batcher.New(sink, batcher.Options{
			Name:          string(category),
			BatchSize:     cfg.Batching.BatchSize,
			FlushInterval: cfg.Batching.FlushInterval,
			MaxQueueSize:  cfg.Batching.MaxQueueSize,
			Log:           log,
		})
		batchWG.Add(1)
		go func() {
			defer batchWG.Done()
			b.Run(ctx, ch.Ticks)
		}()

		p := &pipeline{cfg: cc, category: category, channel: ch, emitter: ch}
		if cc.Enrich && rangeSource != nil {
			p.emitter = enrich.NewDecorator(ctx, ch, rangeSource, cfg.Enrichment.CacheTTL, intervals...)
		}
		pipelines[category] = p
	}

	dir := directory.NewClient(cfg.Directory.URL, cfg.Directory.Timeout, log)
	build := func(category models.Category) (*orchestrator.Supervisor, error) {
		p, ok := pipelines[category]
		if !ok {
			return nil, orchestrator.ErrUnknownCategory
		}
		rest, err := providers.QuoteFetchers(p.cfg.RestProviders)
		if err != nil {
			return nil, err
		}
		return orchestrator.NewSupervisor(dir, providers.Feed, orchestrator.Options{
			Category:     category,
			Providers:    p.cfg.Providers,
			RestFetchers: rest,
			PromoteAfter: p.cfg.PromoteAfter,
			PollInterval: p.cfg.PollInterval,
			RetryBase:    p.cfg.Retry.BaseDelay,
			RetryMax:     p.cfg.Retry.MaxDelay,
			Normalizer:   normalizer,
			Limits:       providers.Limits(),
			Emitter:      p.emitter,
			Log:          log,
		}), nil
	}

	var reconciler *orchestrator.Reconciler
	if cfg.Reconcile.Enabled {
		reconciler, err = orchestrator.NewReconciler(cfg.Reconcile.Schedule)
		if err != nil {
			log.WithError(err).Error("invalid reconcile schedule")
			os.Exit(1)
		}
		if err := reconciler.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start reconciler")
			os.Exit(1)
		}
	}
	manager := orchestrator.NewManager(build, reconciler)

	for _, p := range pipelines {
		if !p.cfg.AutoStart {
			continue
		}
		if _, err := manager.Start(ctx, p.category); err != nil {
			log.WithError(err).WithField("category", string(p.category)).Error("category failed to start")
		}
	}

	ctrl, err := control.NewServer(cfg.Control, manager, log)
	if err != nil {
		log.WithError(err).Error("failed to create control server")
		os.Exit(1)
	}
	var ctrlWG sync.WaitGroup
	if ctrl != nil {
		ctrlWG.Add(1)
		go func() {
			defer ctrlWG.Done()
			if err := ctrl.Run(ctx); err != nil {
				log.WithError(err).Error("control server stopped")
			}
		}()
	} else {
		log.WithComponent("main").Info("control server disabled; only auto_start categories will run")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.WithField("signal", sig.String()).Info("shutdown signal received")

	cancel()
	if reconciler != nil {
		reconciler.Stop()
	}
	manager.Wait()
	for _, p := range pipelines {
		p.channel.Close()
	}
	batchWG.Wait()
	ctrlWG.Wait()
	stopMirrors()

	log.Info("tickerflow stopped")
}

func openStore(ctx context.Context, cfg *config.Config, log *logger.Log) (store.Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		return store.NewPostgres(ctx, cfg.Storage.DSN, cfg.Storage.MaxConns, cfg.Storage.Table, log)
	case "memory":
		log.WithComponent("main").Warn("using in-memory ticker store; records are lost on exit")
		return store.NewMemory(), nil
	default:
		return nil, errors.New("unsupported storage driver " + cfg.Storage.Driver)
	}
}

// startMirrors connects the optional downstream mirrors. A mirror that cannot
// start is skipped; the store stays the system of record.
func startMirrors(ctx context.Context, cfg *config.Config, log *logger.Log) ([]writer.Mirror, func()) {
	var mirrors []writer.Mirror
	var stops []func()

	if cfg.Mirror.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Mirror.Redis.Addr,
			Password: cfg.Mirror.Redis.Password,
			DB:       cfg.Mirror.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.WithComponent("main").WithError(err).Warn("redis unreachable; price mirror disabled")
			_ = client.Close()
		} else {
			rm := writer.NewRedisMirror(client, cfg.Mirror.Redis.TTL)
			mirrors = append(mirrors, rm)
			stops = append(stops, func() { _ = rm.Close() })
		}
	}

	if cfg.Mirror.Kafka.Enabled {
		kw, err := writer.NewKafkaWriter(cfg.Mirror.Kafka.Brokers, cfg.Mirror.Kafka.Topic, 0)
		if err != nil {
			log.WithComponent("main").WithError(err).Warn("kafka mirror disabled")
		} else if err := kw.Start(ctx); err != nil {
			log.WithComponent("main").WithError(err).Warn("kafka mirror failed to start")
		} else {
			mirrors = append(mirrors, kw)
			stops = append(stops, kw.Stop)
		}
	}

	return mirrors, func() {
		for _, stop := range stops {
			stop()
		}
	}
}

func parseIntervals(values []string, log *logger.Log) []time.Duration {
	out := make([]time.Duration, 0, len(values))
	for _, v := range values {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil || (d != time.Hour && d != 4*time.Hour) {
			log.WithComponent("main").WithField("interval", v).Warn("ignoring unsupported enrichment interval")
			continue
		}
		out = append(out, d)
	}
	return out
}
