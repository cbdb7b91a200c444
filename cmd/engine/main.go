package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"dmm-engine-go/config"
	"dmm-engine-go/feed"
	"dmm-engine-go/infrastructure/logger"
	"dmm-engine-go/internal/engine"
	"dmm-engine-go/internal/opsapi"
	"dmm-engine-go/inventory"
	"dmm-engine-go/market"
	"dmm-engine-go/order"
	"dmm-engine-go/risk"
	"dmm-engine-go/telemetry"
)

func main() {
	cfgPath := flag.String("config", "configs/engine.yaml", "config file path")
	dryRun := flag.Bool("dryRun", false, "log orders without submitting")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logg, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logg.Sync() }()

	metrics := telemetry.NewMetrics(cfg.Metrics)
	if cfg.MetricsAddr != "" {
		metrics.Serve(cfg.MetricsAddr)
	}

	var treasury telemetry.TreasurySink = telemetry.NopTreasury{}
	if cfg.Kafka.Enabled {
		kt := telemetry.NewKafkaTreasury(cfg.Kafka, logg)
		defer func() { _ = kt.Close() }()
		treasury = kt
	}
	recorder := telemetry.NewRecorder(cfg.RecorderDepth, logg, metrics, treasury)

	book, err := cfg.PresetBook()
	if err != nil {
		log.Fatalf("presets: %v", err)
	}
	control := risk.NewControlPlane(cfg.Control, book, nil)

	var gw order.Gateway
	if *dryRun {
		gw = &paperGateway{log: logg}
	} else {
		// Live venue adapters are deployment-specific; the paper gateway
		// stands in until one is wired.
		logg.Warn("no live gateway configured, using paper gateway")
		gw = &paperGateway{log: logg}
	}
	submitter := order.NewSubmitter(cfg.Submitter, gw, logg)

	snapshots := make(chan market.Snapshot, 1024)
	fills := make(chan inventory.Fill, 1024)
	normalizer := feed.NewNormalizer(cfg.Feed, cfg.SymbolMap(), metrics, snapshots)

	specs := make([]engine.InstrumentSpec, 0, len(cfg.Instruments))
	minRefresh := time.Duration(0)
	for name, ic := range cfg.Instruments {
		limits := make(map[string]inventory.Limits, len(ic.Venues))
		for venue, vi := range ic.Venues {
			limits[venue] = vi.Limits
		}
		specs = append(specs, engine.InstrumentSpec{Name: name, Unit: ic.Unit, Limits: limits})
	}
	for _, p := range []time.Duration{
		cfg.Presets.Bootstrap.RefreshInterval,
		cfg.Presets.SteadyState.RefreshInterval,
		cfg.Presets.Defensive.RefreshInterval,
	} {
		if minRefresh == 0 || (p > 0 && p < minRefresh) {
			minRefresh = p
		}
	}

	eng, err := engine.New(engine.Config{
		EvalInterval: minRefresh,
	}, specs, engine.Deps{
		Control:   control,
		Submitter: submitter,
		Recorder:  recorder,
		Metrics:   metrics,
		Logger:    logg,
		Flusher:   normalizer,
		HedgerCfg: cfg.Hedger,
		AggCfg:    cfg.Aggregator,
		Snapshots: snapshots,
		Fills:     fills,
	})
	if err != nil {
		log.Fatalf("build engine: %v", err)
	}
	control.SetOnTransition(eng.OnControlTransition)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		recorder.Run(ctx)
	}()

	for venue, vc := range cfg.Venues {
		adapter := feed.NewWSAdapter(venue, vc.FeedURL, normalizer, metrics, logg)
		wg.Add(1)
		go func(a *feed.WSAdapter) {
			defer wg.Done()
			if err := a.Run(ctx); err != nil && ctx.Err() == nil {
				logg.Error("feed adapter stopped", zap.String("venue", a.Venue), zap.Error(err))
			}
		}(adapter)
	}

	ops := opsapi.New(control, eng, logg)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ops.Start(cfg.Ops.ListenAddr); err != nil {
			logg.Error("ops api stopped", zap.Error(err))
		}
	}()

	watcher := config.NewWatcher(*cfgPath, config.WatchConfig{}, logg)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = watcher.Run(ctx, func(next config.Config) {
			nb, err := next.PresetBook()
			if err != nil {
				logg.Warn("reloaded presets rejected", zap.Error(err))
				return
			}
			control.SwapPresets(nb)
			logg.Info("risk presets hot-swapped")
		})
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	logg.Info("engine starting",
		zap.String("env", cfg.Env),
		zap.Int("instruments", len(specs)),
		zap.Int("venues", len(cfg.Venues)),
		zap.Bool("dry_run", *dryRun),
	)

	if err := eng.Run(ctx); err != nil && err != context.Canceled {
		logg.Error("engine stopped", zap.Error(err))
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = ops.Shutdown(shutdownCtx)
	wg.Wait()

	logg.Info("engine stopped cleanly")
	os.Exit(0)
}

// paperGateway accepts every order without touching a venue.
type paperGateway struct {
	log *logger.Logger
}

func (p *paperGateway) Place(_ context.Context, req order.Request) error {
	p.log.Debug("paper place",
		zap.String("venue", req.Venue),
		zap.String("instrument", req.Instrument),
		zap.String("side", req.Side),
		zap.Float64("price", req.Price),
		zap.Float64("size", req.Size),
		zap.String("client_order_id", req.ClientOrderID),
	)
	return nil
}

func (p *paperGateway) Cancel(_ context.Context, venue, clientOrderID string) error {
	p.log.Debug("paper cancel",
		zap.String("venue", venue),
		zap.String("client_order_id", clientOrderID),
	)
	return nil
}

func (p *paperGateway) Position(context.Context, string, string) (float64, error) {
	return 0, nil
}
