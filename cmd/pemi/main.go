package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/pemilabs/pemi/pkg/config"
	"github.com/pemilabs/pemi/pkg/core"
	"github.com/pemilabs/pemi/pkg/engine"
	"github.com/pemilabs/pemi/pkg/iface"
	"github.com/pemilabs/pemi/pkg/logging"
	"github.com/pemilabs/pemi/pkg/metrics"
	"github.com/pemilabs/pemi/pkg/obslog"
)

// Exit codes: 0 clean shutdown, 1 configuration error, 2 fatal I/O error,
// 3 internal invariant violation.
const (
	exitOK        = 0
	exitConfig    = 1
	exitIO        = 2
	exitInvariant = 3
)

// fanoutBase seeds the AF_PACKET fanout group ids when sharding.
const fanoutBase = 0x7e00

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "", "configuration file (.yaml or .json)")
		ifaceNear  = flag.String("near", "", "server-facing interface")
		ifaceFar   = flag.String("far", "", "client-facing interface")
		proxyOnly  = flag.Bool("proxy-only", false, "forward transparently without inference")
		debug      = flag.Bool("debug", false, "verbose logging")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		if err := config.LoadFromFile(*configPath, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "pemi: %v\n", err)
			return exitConfig
		}
	}
	config.LoadFromEnv(cfg)
	if *ifaceNear != "" {
		cfg.Engine.IfaceNear = *ifaceNear
	}
	if *ifaceFar != "" {
		cfg.Engine.IfaceFar = *ifaceFar
	}
	if *proxyOnly {
		cfg.Engine.ProxyOnly = true
	}
	if *debug {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "pemi: invalid configuration: %v\n", err)
		return exitConfig
	}
	if err := cfg.ApplyLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "pemi: %v\n", err)
		return exitConfig
	}

	ecfg := cfg.Build()
	clock := core.NewRealClock()

	var log *obslog.Logger
	if ecfg.LogPath != "" {
		log = obslog.New(ecfg.LogPath)
		defer log.Close()
	}

	fanout := 0
	if ecfg.Shards > 1 {
		fanout = fanoutBase | os.Getpid()&0xff
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	blocks := make([]*core.EngineMetrics, ecfg.Shards)
	for i := 0; i < ecfg.Shards; i++ {
		m := &core.EngineMetrics{}
		blocks[i] = m
		metrics.Register(prometheus.DefaultRegisterer, fmt.Sprintf("%d", i), m)

		io, err := iface.NewRawIO(clock, m, ecfg.IfaceNear, ecfg.IfaceFar, fanout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "pemi: %v\n", err)
			return exitIO
		}
		eng := engine.New(&ecfg, clock, io, m, log)
		g.Go(func() error { return eng.Run(ctx) })
	}

	if cfg.Metrics.Listen != "" {
		go func() {
			if err := metrics.Serve(cfg.Metrics.Listen); err != nil {
				logging.Errorf("metrics listener: %v", err)
			}
		}()
	}
	if cfg.Metrics.IntervalS > 0 {
		go runMetricsReporter(ctx, blocks, cfg.Metrics.IntervalS)
	}

	logging.Infof("pemi started: near=%s far=%s shards=%d proxy_only=%v",
		ecfg.IfaceNear, ecfg.IfaceFar, ecfg.Shards, ecfg.ProxyOnly)

	err := g.Wait()
	switch {
	case err == nil:
		logging.Infof("pemi stopped")
		return exitOK
	case engine.IsInvariant(err):
		logging.Errorf("pemi: %v", err)
		return exitInvariant
	case engine.IsFatalIO(err):
		logging.Errorf("pemi: %v", err)
		return exitIO
	default:
		logging.Errorf("pemi: %v", err)
		return exitIO
	}
}
