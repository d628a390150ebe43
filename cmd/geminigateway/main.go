package main

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/felipepmaragno/gemini-gateway/internal/api"
	"github.com/felipepmaragno/gemini-gateway/internal/audit"
	"github.com/felipepmaragno/gemini-gateway/internal/auth"
	"github.com/felipepmaragno/gemini-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/gemini-gateway/internal/config"
	"github.com/felipepmaragno/gemini-gateway/internal/gateway"
	"github.com/felipepmaragno/gemini-gateway/internal/httputil"
	"github.com/felipepmaragno/gemini-gateway/internal/metrics"
	"github.com/felipepmaragno/gemini-gateway/internal/notifications"
	"github.com/felipepmaragno/gemini-gateway/internal/ratelimit"
	"github.com/felipepmaragno/gemini-gateway/internal/router"
	"github.com/felipepmaragno/gemini-gateway/internal/secrets"
	"github.com/felipepmaragno/gemini-gateway/internal/session"
	"github.com/felipepmaragno/gemini-gateway/internal/telemetry"
	"github.com/felipepmaragno/gemini-gateway/internal/upstream"
	"github.com/felipepmaragno/gemini-gateway/internal/upstream/webchat"
	"gopkg.in/natefinch/lumberjack.v2"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	closeLog := setupLogger(cfg.LogLevel, cfg.LogFile)
	defer closeLog()

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("starting gemini gateway", "addr", cfg.Addr, "version", version, "default_model", cfg.DefaultModel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, "gemini-gateway", version, cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	podName, _ := os.Hostname()
	metrics.InitInstanceMetrics(podName, version)

	cookies, err := cookieSource(ctx, cfg)
	if err != nil {
		slog.Error("failed to set up cookie source", "error", err)
		os.Exit(1)
	}

	proxyURL, err := httputil.ParseProxy(cfg.UpstreamProxy)
	if err != nil {
		slog.Error("invalid upstream proxy", "error", err)
		os.Exit(1)
	}

	holder := upstream.NewHolder(func(ctx context.Context) (upstream.Client, error) {
		c, err := cookies.Cookies(ctx)
		if err != nil {
			return nil, upstream.Errorf(upstream.KindAuth, "load cookies: %w", err)
		}
		client, err := webchat.New(webchat.Config{
			BaseURL: cfg.UpstreamBaseURL,
			PSID:    c.Secure1PSID,
			PSIDTS:  c.Secure1PSIDTS,
			Proxy:   proxyURL,
		})
		if err != nil {
			return nil, err
		}
		if err := client.Init(ctx); err != nil {
			client.Close()
			if upstream.CredentialFailure(err) {
				cookies.Invalidate()
			}
			return nil, err
		}
		return client, nil
	}, cfg.UpstreamInitTimeout, upstream.WithBreaker(circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.UpstreamInitFailureThreshold,
		Cooldown:         cfg.UpstreamInitCooldown,
	})))

	sessions := session.NewRegistry(session.Options{
		IdleTTL:     cfg.SessionIdleTTL,
		MaxSessions: cfg.SessionMax,
	})
	go sessions.Run(ctx)

	var checkers []api.HealthChecker
	checkers = append(checkers, api.NewUpstreamHealthChecker(holder))

	var rateLimiter ratelimit.RateLimiter
	var dedup notifications.Deduplicator = notifications.NewInMemoryDeduplicator(cfg.AlertDedupWindow)
	if cfg.RedisURL != "" {
		redisLimiter, err := ratelimit.NewRedisRateLimiter(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisLimiter.Close()
		rateLimiter = redisLimiter
		checkers = append(checkers, api.NewRedisHealthChecker(redisLimiter.Client()))
		dedup = notifications.NewRedisDeduplicator(redisLimiter.Client(), cfg.AlertDedupWindow)
		slog.Info("using redis rate limiter")
	} else {
		memLimiter := ratelimit.NewInMemoryRateLimiter()
		go memLimiter.Run(ctx, time.Minute)
		rateLimiter = memLimiter
		slog.Info("using in-memory rate limiter")
	}
	if cfg.RateLimitRPM <= 0 {
		slog.Info("per-caller rate limit disabled")
	}

	var recorder audit.Recorder = audit.NewLogRecorder(slog.Default())
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = audit.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		recorder = audit.NewPostgresRecorder(db)
		checkers = append(checkers, api.NewPostgresHealthChecker(db))
		slog.Info("recording completion audit trail in postgres")
	}

	var sink notifications.Notifier = notifications.LogNotifier{}
	if cfg.SNSTopicARN != "" {
		sink, err = notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.SNSTopicARN)
		if err != nil {
			slog.Error("failed to create SNS notifier", "error", err)
			os.Exit(1)
		}
		slog.Info("sending upstream alerts to SNS", "topic", cfg.SNSTopicARN)
	}
	notifier := notifications.Deduplicate(sink, dedup)

	gw := gateway.New(
		router.New(cfg.ModelMap, cfg.DefaultModel, webchat.ModelFromName),
		holder,
		sessions,
		gateway.Options{
			Timeout:  cfg.UpstreamTimeout,
			Recorder: recorder,
			Notifier: notifier,
		},
	)

	handler := api.NewHandler(api.HandlerConfig{
		Gateway:      gw,
		Keys:         auth.NewKeySet(cfg.AllowedAPIKeys),
		RateLimiter:  rateLimiter,
		RateLimitRPM: cfg.RateLimitRPM,
		Holder:       holder,
		Checkers:     checkers,
		Version:      version,
	})

	// Warm up the upstream client; a failure here is retried on first use.
	if _, err := holder.Get(ctx); err != nil {
		slog.Error("failed to initialize upstream client at startup", "error", err)
		n := notifications.Notification{
			Type:    notifications.NotificationUpstreamInitFailure,
			Message: "upstream client failed to initialize at startup: " + err.Error(),
		}
		if err := notifier.Send(ctx, n); err != nil {
			slog.Warn("failed to send notification", "error", err)
		}
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.UpstreamTimeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	cancel()
	if err := holder.Close(); err != nil {
		slog.Warn("failed to close upstream client", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("failed to flush traces", "error", err)
	}

	slog.Info("server stopped")
}

func cookieSource(ctx context.Context, cfg *config.Config) (secrets.CookieSource, error) {
	if cfg.CookieSecretName == "" {
		return secrets.StaticCookies{Secure1PSID: cfg.SecurePSID, Secure1PSIDTS: cfg.SecurePSIDTS}, nil
	}

	store, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion, cfg.CookieCacheTTL)
	if err != nil {
		return nil, err
	}
	slog.Info("loading upstream cookies from secrets manager", "secret", cfg.CookieSecretName, "cache_ttl", cfg.CookieCacheTTL)
	return secrets.StoreCookies{Store: store, Name: cfg.CookieSecretName}, nil
}

// setupLogger installs the default JSON logger. When file is set, logs are
// also written to a rotating file.
func setupLogger(level, file string) func() {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	closeFn := func() {}
	if file != "" {
		rotator := &lumberjack.Logger{
			Filename: file,
			MaxSize:  100,
			MaxAge:   7,
			Compress: true,
		}
		out = io.MultiWriter(os.Stdout, rotator)
		closeFn = func() { rotator.Close() }
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
	return closeFn
}
