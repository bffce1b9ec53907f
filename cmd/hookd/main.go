// hookd consumes platform events from NSQ and delivers them to registered
// webhook subscriptions: fan-out, signing, retries with backoff, and a
// read-only operator API over the delivery ledger.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gestagent/hookd/internal/api"
	"github.com/gestagent/hookd/internal/auth"
	"github.com/gestagent/hookd/internal/config"
	"github.com/gestagent/hookd/internal/db"
	"github.com/gestagent/hookd/internal/dispatcher"
	"github.com/gestagent/hookd/internal/event"
	"github.com/gestagent/hookd/internal/executor"
	"github.com/gestagent/hookd/internal/health"
	"github.com/gestagent/hookd/internal/housekeeping"
	"github.com/gestagent/hookd/internal/logging"
	"github.com/gestagent/hookd/internal/metrics"
	"github.com/gestagent/hookd/internal/registry"
	"github.com/gestagent/hookd/internal/scheduler"
	"github.com/gestagent/hookd/internal/stats"
	"github.com/gestagent/hookd/internal/store"
	"github.com/gestagent/hookd/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := logging.New("hookd")

	shutdownTracing, err := tracing.InitTracing(ctx, "hookd")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdownTracing()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		logger.Plain().WithError(err).Fatal("db migrate failed")
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// Wiring: registry (cached) -> dispatcher -> executor -> store/stats,
	// with the scheduler feeding retries back into the dispatcher.
	subs := registry.NewPostgres(pool)
	cachedSubs := registry.NewCached(subs, cfg.Dispatch.SubCacheTTL)
	ledger := store.NewPostgres(pool)
	counters := stats.NewPostgres(pool)

	exec := executor.New(&http.Client{}, ledger, counters, logger,
		cfg.Dispatch.UserAgent, cfg.Dispatch.MaxResponseBody)
	sched := scheduler.New(ledger, cfg.Dispatch.BackoffSchedule,
		cfg.Dispatch.RetryPoll, cfg.Dispatch.RetryPollBatch, logger)
	disp := dispatcher.New(cachedSubs, ledger, exec, sched, logger, cfg.Dispatch.MaxInFlight)
	sched.Bind(disp)
	go sched.Start(ctx)

	purger := housekeeping.New(ledger, cfg.Housekeeping.Retention, cfg.Housekeeping.Interval, logger)
	go purger.Start(ctx)

	// HTTP: health, metrics, operator API.
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	apiMux := http.NewServeMux()
	apiSrv := api.NewServer(subs, counters, ledger, disp, logger)
	apiSrv.Routes(apiMux)
	if cfg.API.JWTSecret != "" {
		validator, err := auth.NewJWTValidator([]byte(cfg.API.JWTSecret), cfg.API.JWTRole)
		if err != nil {
			logger.Plain().WithError(err).Fatal("jwt validator setup failed")
		}
		mux.Handle("/v1/", validator.HTTPMiddleware(apiMux))
	} else {
		logger.Plain().Warn("API_JWT_SECRET not set, operator API is unauthenticated")
		mux.Handle("/v1/", apiMux)
	}

	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("hookd HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("hookd HTTP server failed")
		}
	}()

	// NSQ consumer for upstream domain events.
	conf := nsq.NewConfig()
	conf.MaxInFlight = cfg.Dispatch.MaxInFlight
	consumer, err := nsq.NewConsumer(cfg.NSQ.EventsTopic, cfg.NSQ.Channel, conf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}

	consumer.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		var e event.Event
		if err := json.Unmarshal(m.Body, &e); err != nil {
			logger.Plain().WithError(err).Error("bad event payload")
			return nil // terminal: don't retry unparseable messages
		}
		if err := e.Validate(); err != nil {
			logger.Plain().WithError(err).Error("invalid event")
			return nil
		}
		// Continue the producer's trace across the queue hop.
		mctx := tracing.ExtractTraceFromNSQ(ctx, e.TraceHeaders)
		if err := disp.Dispatch(mctx, e); err != nil {
			logger.WithContext(mctx).WithEvent(e.ID).WithError(err).Error("dispatch failed")
			return err // requeue: registry or ledger unavailable
		}
		return nil
	}))

	// Connecting directly to NSQD forces channel creation, instead of the channel being lazily created on first publish
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	startBacklogMonitor(cfg)

	logger.Plain().Info("hookd started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down hookd")
	consumer.Stop()
	<-consumer.StopChan
	cancel()
	disp.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("hookd stopped")
}

// startBacklogMonitor periodically reads the events topic depth from nsqd and
// exports it as a gauge.
func startBacklogMonitor(cfg config.Config) {
	go func() {
		logger := logging.New("hookd-monitor")
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		httpClient := &http.Client{Timeout: 5 * time.Second}

		for range ticker.C {
			// nsqd serves stats over HTTP one port above its TCP listener
			nsqdHTTPAddr := strings.Replace(cfg.NSQ.NsqdTCPAddr, ":4150", ":4151", 1)
			resp, err := httpClient.Get(fmt.Sprintf("http://%s/stats?format=json", nsqdHTTPAddr))
			if err != nil {
				logger.Plain().WithError(err).Error("Failed to get NSQ stats")
				continue
			}

			var nsqStats struct {
				Topics []struct {
					Name     string `json:"topic_name"`
					Channels []struct {
						Name  string `json:"channel_name"`
						Depth int64  `json:"depth"`
					} `json:"channels"`
				} `json:"topics"`
			}

			if err := json.NewDecoder(resp.Body).Decode(&nsqStats); err != nil {
				resp.Body.Close()
				logger.Plain().WithError(err).Error("Failed to decode NSQ stats")
				continue
			}
			resp.Body.Close()

			for _, topic := range nsqStats.Topics {
				if topic.Name != cfg.NSQ.EventsTopic {
					continue
				}
				for _, channel := range topic.Channels {
					if channel.Name == cfg.NSQ.Channel {
						metrics.UpdateEventBacklog(float64(channel.Depth))
					}
				}
			}
		}
	}()
}
