// marketsignal is the market-signal pipeline daemon. It discovers
// candidate markets, streams their order books and trades, and emits
// domain events (major price moves, big trades, volume spikes, big
// walls) to one or more configured sinks. Grounded on the teacher's
// daemon shape (cmd/agentd/main.go): flag-driven overrides, a signal
// channel for graceful shutdown, and an HTTP status/metrics server
// started alongside the main workflow.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/polymarket-signal-pipeline/marketsignal/internal/catalog"
	"github.com/polymarket-signal-pipeline/marketsignal/internal/clock"
	"github.com/polymarket-signal-pipeline/marketsignal/internal/config"
	"github.com/polymarket-signal-pipeline/marketsignal/internal/discovery"
	"github.com/polymarket-signal-pipeline/marketsignal/internal/feed"
	"github.com/polymarket-signal-pipeline/marketsignal/internal/metrics"
	"github.com/polymarket-signal-pipeline/marketsignal/internal/orchestrator"
	"github.com/polymarket-signal-pipeline/marketsignal/internal/orderbook"
	"github.com/polymarket-signal-pipeline/marketsignal/internal/signal"
	"github.com/polymarket-signal-pipeline/marketsignal/internal/sink"
)

var (
	httpAddr      = flag.String("http", ":8090", "HTTP address for health/status/metrics")
	categories    = flag.String("categories", "", "Comma-separated category slugs (default: finance,geopolitics)")
	refreshSec    = flag.Int("refresh-sec", 0, "Refresh interval in seconds (default: 60)")
	webhookURL    = flag.String("webhook-url", "", "Webhook sink URL (or MARKETSIGNAL_WEBHOOK_URL env); empty disables the webhook sink")
	stdoutSink    = flag.Bool("stdout", true, "Enable the stdout sink")
	verbose       = flag.Bool("verbose", false, "Verbose logging")
)

func main() {
	flag.Parse()
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Println("Starting market-signal pipeline")

	cfg := buildConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	app, err := newApp(cfg)
	if err != nil {
		log.Fatalf("failed to initialize pipeline: %v", err)
	}

	go app.startHTTP(*httpAddr)

	go func() {
		if err := app.orch.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("orchestrator stopped: %v", err)
		}
	}()

	go app.feedClient.Run(ctx)

	log.Printf("pipeline running (http=%s)", *httpAddr)
	log.Println("Press Ctrl+C to stop")

	<-sigCh
	log.Println("shutting down...")
	cancel()
	_ = app.feedClient.Close()
	log.Println("goodbye")
}

func buildConfig() config.Config {
	cfg := config.Default()
	if *categories != "" {
		cfg.App.Categories = splitAndTrim(*categories)
	}
	if *refreshSec > 0 {
		cfg.App.RefreshIntervalSec = *refreshSec
	}
	if *webhookURL != "" {
		cfg.Sinks.WebhookEnabled = true
		cfg.Sinks.WebhookURL = *webhookURL
	} else if envURL := os.Getenv("MARKETSIGNAL_WEBHOOK_URL"); envURL != "" {
		cfg.Sinks.WebhookEnabled = true
		cfg.Sinks.WebhookURL = envURL
	}
	cfg.Sinks.StdoutEnabled = *stdoutSink
	return cfg
}

func splitAndTrim(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, trimSpace(s[start:i]))
			}
			start = i + 1
		}
	}
	return out
}

func trimSpace(s string) string {
	for len(s) > 0 && s[0] == ' ' {
		s = s[1:]
	}
	for len(s) > 0 && s[len(s)-1] == ' ' {
		s = s[:len(s)-1]
	}
	return s
}

// app wires every component together for the process lifetime.
type app struct {
	catalogClient *catalog.Client
	disc          *discovery.Discovery
	feedClient    *feed.Client
	registry      *orderbook.Registry
	signals       *signal.Engine
	multiplex     *sink.Multiplex
	orch          *orchestrator.Orchestrator
	pm            *metrics.PipelineMetrics
}

func newApp(cfg config.Config) (*app, error) {
	pm := metrics.New()

	catalogOpts := []catalog.ClientOption{
		catalog.WithBaseURL(cfg.Gamma.BaseURL),
		catalog.WithHTTPClient(&http.Client{Timeout: cfg.Gamma.Timeout()}),
		catalog.WithPageSize(cfg.Gamma.PageSize),
		catalog.WithEventsEndpoint(cfg.Gamma.UseEventsEndpoint),
		catalog.WithEventsSort(cfg.Gamma.EventsSortPrimary, cfg.Gamma.EventsSortSecondary, cfg.Gamma.EventsSortDesc),
		catalog.WithEventsLimitPerCategory(cfg.Gamma.EventsLimitPerCategory),
		catalog.WithRetryMaxAttempts(cfg.Gamma.RetryMaxAttempts),
		catalog.WithTagsCacheTTL(time.Duration(cfg.Gamma.TagsCacheSec) * time.Second),
	}
	if cfg.Gamma.RequestIntervalMS > 0 {
		catalogOpts = append(catalogOpts, catalog.WithRateLimit(time.Duration(cfg.Gamma.RequestIntervalMS)*time.Millisecond))
	}
	catalogClient := catalog.NewClient(catalogOpts...)

	disc := discovery.New(catalogClient, cfg.Filters, cfg.Rolling, cfg.Top)
	registry := orderbook.NewRegistry()
	clk := clock.New()

	sinks := map[string]sink.Sink{}
	if cfg.Sinks.StdoutEnabled {
		sinks["stdout"] = sink.NewStdoutSink(nil)
	}
	if cfg.Sinks.WebhookEnabled && cfg.Sinks.WebhookURL != "" {
		var webhookOpts []sink.WebhookOption
		webhookOpts = append(webhookOpts, sink.WithWebhookMaxRetries(uint64(cfg.Sinks.WebhookMaxRetries)))
		if cfg.Sinks.WebhookAggregateEnabled {
			webhookOpts = append(webhookOpts, sink.WithWebhookAggregation(
				time.Duration(cfg.Sinks.WebhookAggregateWindowSec*float64(time.Second)),
				cfg.Sinks.WebhookAggregateMaxItems,
			))
		}
		sinks["webhook"] = sink.NewWebhookSink(
			cfg.Sinks.WebhookURL,
			time.Duration(cfg.Sinks.WebhookTimeoutSec*float64(time.Second)),
			webhookOpts...,
		)
	}

	var mxOpts []sink.MultiplexOption
	mxOpts = append(mxOpts, sink.WithMetrics(pm))
	if cfg.Sinks.Mode == string(sink.ModeRequiredSinks) {
		mxOpts = append(mxOpts, sink.WithMode(sink.ModeRequiredSinks))
	}
	if len(cfg.Sinks.RequiredSinks) > 0 {
		mxOpts = append(mxOpts, sink.WithRequiredSinks(cfg.Sinks.RequiredSinks...))
	}
	if cfg.Sinks.Transform == string(sink.TransformCompact) {
		mxOpts = append(mxOpts, sink.WithTransform(sink.TransformCompact))
	}
	multiplex := sink.NewMultiplex(sinks, mxOpts...)

	signalsCfg := signal.Config{
		BigTradeUSD:            decimal.NewFromFloat(cfg.Signals.BigTradeUSD),
		BigVolume1MUSD:         decimal.NewFromFloat(cfg.Signals.BigVolume1MUSD),
		CooldownSec:            int64(cfg.Signals.CooldownSec),
		MajorChangePct:         decimal.NewFromFloat(cfg.Signals.MajorChangePct),
		MajorChangeWindowSec:   int64(cfg.Signals.MajorChangeWindowSec),
		MajorChangeMinNotional: decimal.NewFromFloat(cfg.Signals.MajorChangeMinNotional),
		MajorChangeSource:      cfg.Signals.MajorChangeSource,
		LowPriceMax:            decimal.NewFromFloat(cfg.Signals.MajorChangeLowPriceMax),
		LowPriceAbs:            decimal.NewFromFloat(cfg.Signals.MajorChangeLowPriceAbs),
		SpreadGateK:            decimal.NewFromFloat(cfg.Signals.MajorChangeSpreadGateK),
		HighConfidenceThresh:   decimal.NewFromFloat(cfg.Signals.HighConfidenceThreshold),
		ReverseAllowThresh:     decimal.NewFromFloat(cfg.Signals.ReverseAllowThreshold),
		MergeWindowSec:         cfg.Signals.MergeWindowSec,
		DropExpiredMarkets:     cfg.Signals.DropExpiredMarkets,
	}
	if cfg.Signals.BigWallSize != nil {
		v := decimal.NewFromFloat(*cfg.Signals.BigWallSize)
		signalsCfg.BigWallSize = &v
	}
	signals := signal.New(clk, multiplex, signalsCfg)
	signals.SetMetrics(pm)

	orchCfg := orchestrator.Config{
		Categories:                cfg.App.Categories,
		RefreshInterval:           time.Duration(cfg.App.RefreshIntervalSec) * time.Second,
		ResyncOnGap:               cfg.Clob.ResyncOnGap,
		ResyncMinIntervalSec:      int64(cfg.Clob.ResyncMinIntervalSec),
		PollingVolumeThresholdUSD: decimal.NewFromFloat(cfg.Signals.PollingVolumeThresholdUSD),
		PollingWindowSec:          int64(cfg.Signals.PollingWindowSec),
		PollingCooldownSec:        int64(cfg.Signals.PollingCooldownSec),
	}

	orch := orchestrator.New(clk, disc, nil, registry, signals, multiplex, orchCfg)
	orch.SetMetrics(pm)

	feedClient := feed.NewClient(feed.Config{
		WSURL:                cfg.Clob.WSURL,
		Channel:              cfg.Clob.Channel,
		CustomFeatureEnabled: cfg.Clob.CustomFeatureEnabled,
		InitialDump:          cfg.Clob.InitialDump,
		MaxFrameBytes:        cfg.Clob.MaxFrameBytes,
		PingIntervalSec:      cfg.Clob.PingIntervalSec,
		PingMessage:          cfg.Clob.PingMessage,
		PongMessage:          cfg.Clob.PongMessage,
		ReconnectBackoffSec:  cfg.Clob.ReconnectBackoffSec,
		ReconnectMaxSec:      cfg.Clob.ReconnectMaxSec,
	}, feed.Handlers{
		OnMessage: orch.HandleFeedMessage,
		OnConnect: func() { log.Println("feed: connected") },
		OnDisconnect: func(err error) {
			if pm != nil {
				pm.RecordFeedReconnect()
			}
			if err != nil {
				log.Printf("feed: disconnected: %v", err)
			}
		},
	})
	orch.AttachFeed(feedClient)

	return &app{
		catalogClient: catalogClient,
		disc:          disc,
		feedClient:    feedClient,
		registry:      registry,
		signals:       signals,
		multiplex:     multiplex,
		orch:          orch,
		pm:            pm,
	}, nil
}

func (a *app) startHTTP(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.Handle("/metrics", promhttp.HandlerFor(a.pm.Registry(), promhttp.HandlerOpts{}))

	if *verbose {
		log.Printf("http server listening on %s", addr)
	}
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("http server stopped: %v", err)
	}
}
