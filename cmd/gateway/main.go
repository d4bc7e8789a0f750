// Command gateway is the metered LLM reverse proxy.
//
// It authenticates callers against the ledger, forwards their requests to the
// backend configured for the requested model and records one billing event
// per phase of every completed exchange.
//
//	gateway -c /etc/llmproxy/config.toml
//
// SIGHUP re-reads the [backends] table. A ledger failure shuts the server down.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/vnmchuo/llm-billing-proxy/config"
	"github.com/vnmchuo/llm-billing-proxy/internal/auth"
	"github.com/vnmchuo/llm-billing-proxy/internal/billing"
	"github.com/vnmchuo/llm-billing-proxy/internal/forward"
	"github.com/vnmchuo/llm-billing-proxy/internal/ledger"
	"github.com/vnmchuo/llm-billing-proxy/internal/logging"
	"github.com/vnmchuo/llm-billing-proxy/internal/metrics"
	"github.com/vnmchuo/llm-billing-proxy/internal/proxy"
	"github.com/vnmchuo/llm-billing-proxy/internal/telemetry"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

const serviceName = "llm-billing-proxy"

func main() {
	configPath := pflag.StringP("config", "c", "", "config file (default $"+config.PathEnv+" or "+config.DefaultPath+")")
	pflag.Parse()

	cfg, err := config.Load(config.ResolvePath(*configPath))
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed loading config:", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed configuring logging:", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("gateway stopped")
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(serviceName, version, cfg)
	if err != nil {
		return err
	}
	defer shutdownTracer()

	store, err := openLedger(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(context.Background()); err != nil {
			log.WithError(err).Error("failed to close ledger")
		}
	}()

	m := metrics.New()
	router := proxy.NewRouter(cfg.Backends)
	fwd := forward.New(forward.Options{
		ConnectTimeout: cfg.TimeoutConnect,
		ReadTimeout:    cfg.TimeoutRead,
	})
	fwd.CheckBackends(ctx, cfg.Backends, log)

	fatal := make(chan error, 1)
	handler := proxy.NewHandler(router, fwd, billing.NewRecorder(store, m), proxy.Options{
		Log:           log,
		Tracer:        otel.GetTracerProvider().Tracer(serviceName),
		Metrics:       m,
		ExposeMetrics: cfg.MetricsEnabled,
		Origin:        cfg.HTTPOrigin,
		OnFatal: func(err error) {
			select {
			case fatal <- err:
			default:
			}
		},
	})

	// No WriteTimeout: streamed completions can run for minutes.
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler.Routes(auth.NewAuthenticator(store)),
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.WithFields(logrus.Fields{
			"addr":     srv.Addr,
			"tls":      cfg.TLSEnabled(),
			"backends": router.Names(),
			"version":  version,
		}).Info("gateway starting")

		var err error
		if cfg.TLSEnabled() {
			err = srv.ListenAndServeTLS(cfg.Cert, cfg.Key)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		watchReload(gctx, cfg.Path, router, log)
		return nil
	})

	g.Go(func() error {
		var cause error
		select {
		case <-gctx.Done():
		case cause = <-fatal:
		}

		log.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("forced shutdown: %w", err)
		}
		if cause != nil {
			return fmt.Errorf("ledger failure: %w", cause)
		}
		return nil
	})

	return g.Wait()
}

// openLedger connects the ledger named by db.uri and, when redis.addr is set,
// puts the account cache in front of it.
func openLedger(ctx context.Context, cfg *config.Config, log *logrus.Logger) (ledger.Ledger, error) {
	store, err := ledger.Open(ctx, cfg.DBURI, log)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		_ = store.Close(ctx)
		return nil, fmt.Errorf("ledger unreachable: %w", err)
	}
	log.Info("ledger connected")

	if cfg.RedisAddr == "" {
		return store, nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.WithError(err).Warn("redis unreachable, account lookups go to the ledger")
	} else {
		log.Info("Redis connected")
	}
	return ledger.NewCachedLedger(store, rdb, cfg.RedisCacheTTL, log), nil
}

func watchReload(ctx context.Context, path string, router *proxy.Router, log logrus.FieldLogger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			reload(path, router, log)
		}
	}
}

// reload swaps in the [backends] table from path. On failure the current
// table stays.
func reload(path string, router *proxy.Router, log logrus.FieldLogger) {
	backends, err := config.LoadBackends(path)
	if err != nil {
		log.WithError(err).Error("failed reloading config")
		return
	}
	router.Swap(backends)
	log.WithField("backends", router.Names()).Info("config reloaded")
}
