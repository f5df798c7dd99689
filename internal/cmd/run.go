package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/gustycube/sslinspect/internal/cabundle"
	"github.com/gustycube/sslinspect/internal/circuitbreaker"
	"github.com/gustycube/sslinspect/internal/config"
	"github.com/gustycube/sslinspect/internal/emit"
	"github.com/gustycube/sslinspect/internal/errsink"
	"github.com/gustycube/sslinspect/internal/health"
	"github.com/gustycube/sslinspect/internal/logging"
	"github.com/gustycube/sslinspect/internal/metrics"
	"github.com/gustycube/sslinspect/internal/output"
	"github.com/gustycube/sslinspect/internal/probe"
	"github.com/gustycube/sslinspect/internal/queue"
	"github.com/gustycube/sslinspect/internal/rate"
	"github.com/gustycube/sslinspect/internal/result"
	"github.com/gustycube/sslinspect/internal/store"
	"github.com/gustycube/sslinspect/internal/target"
	"github.com/gustycube/sslinspect/internal/telemetry"
	"github.com/gustycube/sslinspect/internal/tlsinfo"
	"github.com/gustycube/sslinspect/internal/ui"
	"github.com/gustycube/sslinspect/internal/version"
)

func newRunCmd() *cobra.Command {
	var configFile string

	c := &cobra.Command{
		Use:   "run",
		Short: "Inspect a batch of endpoints",
		Long: `Inspect every target from a targets file or a Redis work queue with a pool
of workers. Results are written to stdout in the configured format, or
shipped in batches to an ingest endpoint when one is set.

Configuration is read from the file given with --config, then from the
environment (REDIS_ADDR, REDIS_QUEUE_ADDR, REDIS_QUEUE_KEY, LOG_LEVEL,
SSL_CERT_FILE), then from flags.`,
		Example: `  sslinspect run --targets hosts.txt --concurrency 64
  sslinspect run -c sslinspect.yaml --store redis --redis-addr localhost:6379
  sslinspect run --targets hosts.txt -o csv > certs.csv`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRunConfig(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			log := logging.New(cfg.LogLevel)
			defer log.Sync()
			return runBatch(cmd, cfg, log)
		},
	}

	f := c.Flags()
	f.StringVarP(&configFile, "config", "c", "", "path to config file (YAML or JSON)")
	f.String("targets", "", "path to newline-separated targets (host, host:port or URL)")
	f.String("probe", "", "probe id")
	f.String("run", "", "run id")
	f.String("ca-bundle", "", "CA bundle path (defaults to the system bundle)")
	f.Int("concurrency", 0, "concurrent workers")
	f.Int("timeout", 0, "per-endpoint timeout in seconds")
	f.Float64("rate-per-host", 0, "inspections per second per host (0 disables)")
	f.Int("rate-burst", 0, "per-host burst")
	f.String("store", "", "result store (memory, lru, redis)")
	f.Int("cache-size", 0, "lru store capacity")
	f.Int("cache-ttl", 0, "record ttl in seconds for the lru and redis stores")
	f.StringP("output", "o", "", "output format (json, jsonl, csv, table)")
	f.String("ingest", "", "ingest endpoint; results are printed when empty")
	f.String("spool-dir", "", "spool dir for failed batches")
	f.Int("batch-max", 0, "max results per batch")
	f.Int("batch-flush-sec", 0, "seconds between batch flushes")
	f.String("metrics-addr", "", "metrics and health listen addr (empty to disable)")
	f.String("otel-endpoint", "", "OTLP HTTP endpoint (host:port)")
	f.Bool("otel-insecure", true, "OTLP without TLS")
	f.String("otel-service", "", "OTEL service.name")
	f.String("redis-addr", "", "redis address for the redis store")
	f.String("redis-queue-addr", "", "redis address of the work queue")
	f.String("redis-queue-key", "", "redis list holding queued targets")
	f.Bool("progress", true, "show a progress line when stderr is a terminal")
	return c
}

// flagKeys maps run flags to config keys understood by MergeWithFlags.
var flagKeys = map[string]string{
	"targets":          "targets",
	"probe":            "probe",
	"run":              "run",
	"ca-bundle":        "ca_bundle",
	"concurrency":      "concurrency",
	"timeout":          "timeout",
	"rate-per-host":    "rate_per_host",
	"rate-burst":       "rate_burst",
	"store":            "store",
	"cache-size":       "cache_size",
	"cache-ttl":        "cache_ttl",
	"output":           "output_format",
	"ingest":           "ingest",
	"spool-dir":        "spool_dir",
	"batch-max":        "batch_max",
	"batch-flush-sec":  "batch_flush_sec",
	"metrics-addr":     "metrics_addr",
	"otel-endpoint":    "otel_endpoint",
	"otel-insecure":    "otel_insecure",
	"otel-service":     "otel_service",
	"redis-addr":       "redis_addr",
	"redis-queue-addr": "redis_queue_addr",
	"redis-queue-key":  "redis_queue_key",
	"log-level":        "log_level",
}

// loadRunConfig layers file, environment and explicitly set flags, then
// fills defaults and validates.
func loadRunConfig(path string, flags *pflag.FlagSet) (*config.Config, error) {
	cfg := &config.Config{}
	if path != "" {
		var err error
		cfg, err = config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
	}
	cfg.LoadFromEnv()

	merged := make(map[string]interface{})
	flags.Visit(func(fl *pflag.Flag) {
		key, ok := flagKeys[fl.Name]
		if !ok {
			return
		}
		switch fl.Value.Type() {
		case "int":
			v, _ := flags.GetInt(fl.Name)
			merged[key] = v
		case "float64":
			v, _ := flags.GetFloat64(fl.Name)
			merged[key] = v
		case "bool":
			v, _ := flags.GetBool(fl.Name)
			merged[key] = v
		default:
			merged[key] = fl.Value.String()
		}
	})
	cfg.MergeWithFlags(merged)

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (store.Store, func(context.Context) error, func() error, error) {
	switch cfg.Store {
	case config.StoreLRU:
		return store.NewLRU(cfg.CacheSize, cfg.CacheTTL()), nil, nil, nil
	case config.StoreRedis:
		rs, err := store.NewRedis(cfg.RedisAddr, cfg.CacheTTL())
		if err != nil {
			return nil, nil, nil, err
		}
		return rs, rs.Ping, rs.Close, nil
	default:
		return store.NewMemory(), nil, nil, nil
	}
}

func runBatch(cmd *cobra.Command, cfg *config.Config, log *logging.Logger) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.OTELService, version.Version, cfg.OTLPInsecure())
	if err != nil {
		log.Warnw("otel init failed", "err", err)
	} else {
		defer shutdown(context.Background())
	}

	st, storePing, storeClose, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store, err)
	}
	if storeClose != nil {
		defer storeClose()
	}

	bundle := cfg.CABundle
	if bundle == "" {
		if bundle, err = cabundle.SystemPath(); err != nil {
			log.Debugw("no system CA bundle", "err", err)
		}
	}
	sink := errsink.New(log)
	dialer := &tlsinfo.Dialer{Timeout: cfg.Timeout(), CABundle: bundle, Log: log}
	p := probe.New(dialer, st, sink, log)

	lim := rate.New(cfg.RatePerHost, cfg.RateBurst)
	defer lim.Close()
	p.WithRateLimit(lim)

	hh := health.NewHandler(log)
	hh.SetMetadata("probe", cfg.Probe)
	hh.SetMetadata("run", cfg.Run)
	hh.SetMetadata("version", version.Version)
	hh.RegisterChecker("workers", health.NewWorkerPoolChecker(p.Active, cfg.Concurrency))
	if storePing != nil {
		hh.RegisterChecker("store", health.NewPingChecker(cfg.Store+" store", storePing))
	}

	stats := ui.NewStats()
	tasks := make(chan target.Target, 1024)
	if cfg.RedisQueueAddr != "" {
		q, err := queue.NewRedis(cfg.RedisQueueAddr, cfg.RedisQueueKey)
		if err != nil {
			return fmt.Errorf("redis queue: %w", err)
		}
		defer q.Close()
		q.WithLogger(log)
		hh.RegisterChecker("queue", health.NewPingChecker("redis queue", func(ctx context.Context) error {
			return q.Client().Ping(ctx).Err()
		}))
		log.Infow("redis queue enabled", "addr", cfg.RedisQueueAddr, "key", cfg.RedisQueueKey)
		go func() {
			defer close(tasks)
			if err := q.Feed(ctx, tasks); err != nil {
				log.Errorw("queue feed stopped", "err", err)
			}
		}()
	} else {
		targets, err := target.ReadFile(cfg.Targets)
		if err != nil {
			return err
		}
		stats.SetTotal(int64(len(targets)))
		go func() {
			defer close(tasks)
			for _, t := range targets {
				select {
				case tasks <- t:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	if cfg.MetricsAddr != "" {
		go metrics.ServeWithHealth(ctx, cfg.MetricsAddr, hh, log)
		log.Infow("metrics and health server started", "addr", cfg.MetricsAddr)
	}

	var w *output.Writer
	if cfg.Ingest == "" {
		if w, err = output.NewWriter(cfg.OutputFormat, cmd.OutOrStdout()); err != nil {
			return err
		}
	}

	results := make(chan result.Result, 1024)
	counted := make(chan result.Result, 1024)
	go func() {
		defer close(counted)
		for r := range results {
			stats.Record(r)
			counted <- r
		}
	}()

	progCtx, stopProgress := context.WithCancel(context.Background())
	defer stopProgress()
	progDone := make(chan struct{})
	if showProgress, _ := cmd.Flags().GetBool("progress"); showProgress && ui.IsTerminal(cmd.ErrOrStderr()) {
		go func() {
			defer close(progDone)
			stats.Render(progCtx, cmd.ErrOrStderr(), 500*time.Millisecond)
		}()
	} else {
		close(progDone)
	}

	var emitter *emit.Emitter
	consumed := make(chan error, 1)
	if cfg.Ingest != "" {
		cbCfg := circuitbreaker.DefaultConfig()
		cbCfg.OnStateChange = func(from, to circuitbreaker.State) {
			log.Warnw("ingest circuit changed", "from", from.String(), "to", to.String())
		}
		br := circuitbreaker.New(cbCfg)
		hh.RegisterChecker("ingest", health.NewPingChecker("ingest", func(context.Context) error {
			if br.State() == circuitbreaker.StateOpen {
				return circuitbreaker.ErrOpenState
			}
			return nil
		}))
		emitter = emit.NewEmitter(emit.Options{
			Ingest:     cfg.Ingest,
			ProbeID:    cfg.Probe,
			RunID:      cfg.Run,
			BatchMax:   cfg.BatchMax,
			FlushEvery: cfg.FlushEvery(),
			SpoolDir:   cfg.SpoolDir,
			Stdout:     cmd.OutOrStdout(),
			Breaker:    br,
		}, log)
		go func() {
			emitter.Run(context.Background(), counted)
			consumed <- nil
		}()
	} else {
		go func() {
			var werr error
			for r := range counted {
				if err := w.Write(r); err != nil && werr == nil {
					werr = err
				}
			}
			if err := w.Flush(); err != nil && werr == nil {
				werr = err
			}
			consumed <- werr
		}()
	}

	log.Infow("starting run",
		"probe", cfg.Probe,
		"run", cfg.Run,
		"concurrency", cfg.Concurrency,
		"store", cfg.Store,
		"config_file", cmd.Flag("config").Value.String(),
	)
	hh.SetReady(true)

	p.Run(ctx, tasks, cfg.Concurrency, results)
	close(results)
	hh.SetReady(false)
	werr := <-consumed

	if emitter != nil {
		dctx, dcancel := context.WithTimeout(context.Background(), 30*time.Second)
		emitter.Drain(dctx)
		dcancel()
	}

	stats.Finish()
	stopProgress()
	<-progDone
	stats.Log(log.With("logged_errors", sink.Len()))
	return werr
}
