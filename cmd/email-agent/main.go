package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/mailtriage/email-agent/pkg/agent"
	"github.com/mailtriage/email-agent/pkg/api"
	"github.com/mailtriage/email-agent/pkg/auth"
	"github.com/mailtriage/email-agent/pkg/config"
	"github.com/mailtriage/email-agent/pkg/graph"
	"github.com/mailtriage/email-agent/pkg/llm"
	"github.com/mailtriage/email-agent/pkg/logging"
	"github.com/mailtriage/email-agent/pkg/metrics"
	"github.com/mailtriage/email-agent/pkg/ratelimit"
	"github.com/mailtriage/email-agent/pkg/shutdown"
	tlsutil "github.com/mailtriage/email-agent/pkg/tls"
	"github.com/mailtriage/email-agent/pkg/tracing"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	envFile := flag.String("env-file", ".env", "dotenv file overlaid under the process environment")
	generateCert := flag.Bool("generate-cert", false, "write a self-signed certificate to TLS_CERT_FILE/TLS_KEY_FILE when they do not exist (development only)")
	flag.Parse()

	// Bootstrap logger until the configured level and format are known.
	logger := logging.NewLogger("email-agent", logging.INFO, true)

	settings, err := config.Load(*envFile)
	if err != nil {
		logger.Fatal("config.invalid", map[string]interface{}{"error": err.Error()})
	}
	logger = logging.NewLogger("email-agent", logging.ParseLevel(settings.LogLevel), settings.LogFormat == "json")
	logger.Info("app.starting", map[string]interface{}{
		"app_name": settings.AppName,
		"app_env":  settings.AppEnv,
		"version":  version,
		"port":     settings.Port,
	})

	if err := run(settings, logger, *generateCert); err != nil {
		logger.Fatal("app.failed", map[string]interface{}{"error": err.Error()})
	}
}

func run(settings *config.Settings, logger *logging.Logger, generateCert bool) error {
	shutdownMgr := shutdown.New(30*time.Second, logger)
	bg, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()

	m := metrics.New()

	tiers, err := agent.NewTierStore(settings.TierConfigPath, logger, func(c *agent.TierConfig) {
		m.SetTierCounts(c.Counts())
	})
	if err != nil {
		return err
	}
	go func() {
		if err := tiers.Watch(bg); err != nil {
			logger.Warn("tier_config.watch_failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	tp, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "email-agent",
		ServiceVersion: version,
		Environment:    settings.AppEnv,
		OTLPEndpoint:   settings.OTLPEndpoint,
		Enabled:        settings.OTLPEndpoint != "",
	}, logger)
	if err != nil {
		return err
	}
	shutdownMgr.Register("tracer", tp.Shutdown)

	sessions, err := auth.NewStore(settings.SessionSecretKey, auth.StoreOptions{
		MaxIdle:  settings.SessionMaxAge(),
		Logger:   logger,
		OnChange: m.SetSessions,
	})
	if err != nil {
		return err
	}
	go sessions.Janitor(bg, 10*time.Minute)

	oauth := auth.NewEntraID(auth.OAuthConfig{
		ClientID:     settings.AzureClientID,
		ClientSecret: settings.AzureClientSecret,
		TenantID:     settings.AzureTenantID,
		RedirectURL:  settings.AzureRedirectURI,
		Scopes:       settings.GraphScopes,
	}, logger)

	completer, err := llm.New(llm.Options{
		APIKey:      settings.AnthropicAPIKey,
		Model:       settings.AnthropicModel,
		BaseURL:     settings.AnthropicBaseURL,
		Timeout:     settings.AnthropicTimeout,
		MaxAttempts: settings.AnthropicMaxRetries,
		Logger:      logger,
		Metrics:     m,
	})
	if err != nil {
		return err
	}

	engine := agent.NewEngine(tiers, completer, agent.EngineConfig{
		MaxTokensSummary:   settings.AnthropicMaxTokensSummary,
		MaxTokensDraft:     settings.AnthropicMaxTokensDraft,
		SummaryConcurrency: settings.SummaryConcurrency,
	}, logger, m)

	limiter := ratelimit.NewLimiter(settings.RateLimitRPS, settings.RateLimitBurst)
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-bg.Done():
				return
			case <-ticker.C:
				if n := limiter.CleanupOldLimiters(30 * time.Minute); n > 0 {
					logger.Debug("ratelimit.evicted", map[string]interface{}{"count": n})
				}
			}
		}
	}()

	server, err := api.NewServer(api.Options{
		Settings: settings,
		Engine:   engine,
		Tiers:    tiers,
		Sessions: sessions,
		OAuth:    oauth,
		Mailbox: func(accessToken string) api.Mailbox {
			return graph.NewClient(accessToken, graph.Options{
				BaseURL: settings.GraphBaseURL,
				Logger:  logger,
			})
		},
		Metrics: m,
		Tracing: tp,
		Limiter: limiter,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         settings.ListenAddr(),
		Handler:      server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	useTLS := settings.TLSCertFile != "" && settings.TLSKeyFile != ""
	if useTLS {
		if err := ensureCert(settings, generateCert, logger); err != nil {
			return err
		}
		tlsConfig, err := tlsutil.LoadServerConfig(settings.TLSCertFile, settings.TLSKeyFile)
		if err != nil {
			return err
		}
		srv.TLSConfig = tlsConfig
	}

	serveErr := make(chan error, 2)
	go func() {
		logger.Info("http.listening", map[string]interface{}{"addr": srv.Addr, "tls": useTLS})
		var err error
		if useTLS {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("http server: %w", err)
		}
	}()
	shutdownMgr.Register("background", shutdown.CancelFunc(cancelBackground))
	shutdownMgr.Register("http", shutdown.StopHTTPServer(srv, "http"))

	if settings.MetricsEnabled {
		metricsSrv := &http.Server{
			Addr:              settings.MetricsAddr(),
			Handler:           m.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("metrics.listening", map[string]interface{}{"addr": metricsSrv.Addr})
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("metrics server: %w", err)
			}
		}()
		shutdownMgr.Register("metrics", shutdown.StopHTTPServer(metricsSrv, "metrics"))
	}

	waitCtx, stopWaiting := context.WithCancel(context.Background())
	defer stopWaiting()
	failed := make(chan error, 1)
	go func() {
		select {
		case err := <-serveErr:
			failed <- err
			stopWaiting()
		case <-waitCtx.Done():
		}
	}()

	shutdownMgr.Wait(waitCtx)
	logger.Info("app.shutting_down")
	var runErr error
	select {
	case runErr = <-failed:
	default:
	}
	if n := shutdownMgr.Shutdown(); n > 0 && runErr == nil {
		runErr = fmt.Errorf("%d shutdown hooks failed", n)
	}
	return runErr
}

// ensureCert generates a development certificate when asked to and none
// exists yet.
func ensureCert(settings *config.Settings, generate bool, logger *logging.Logger) error {
	if _, err := os.Stat(settings.TLSCertFile); err == nil || !generate {
		return nil
	}
	if !settings.IsDevelopment() {
		return errors.New("refusing to generate a self-signed certificate outside development")
	}
	if err := tlsutil.GenerateSelfSignedCert(settings.TLSCertFile, settings.TLSKeyFile, "localhost"); err != nil {
		return err
	}
	logger.Info("tls.self_signed_generated", map[string]interface{}{"cert_file": settings.TLSCertFile})
	return nil
}
