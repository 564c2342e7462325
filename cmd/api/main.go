// Package main is the entry point for the chat edge server.
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

	"go.uber.org/zap"

	"github.com/folio-labs/chat-edge/internal/config"
	"github.com/folio-labs/chat-edge/internal/gatekeeper"
	"github.com/folio-labs/chat-edge/internal/handler"
	natsclient "github.com/folio-labs/chat-edge/internal/nats"
	"github.com/folio-labs/chat-edge/internal/policy"
	"github.com/folio-labs/chat-edge/internal/ratelimit"
	"github.com/folio-labs/chat-edge/internal/relay"
	"github.com/folio-labs/chat-edge/internal/service"
	"github.com/folio-labs/chat-edge/internal/upstream"
	"github.com/folio-labs/chat-edge/pkg/logger"
	"github.com/folio-labs/chat-edge/pkg/tracing"
)

const serviceName = "chat-edge"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	var log *logger.Logger
	if cfg.LogFormat == config.LogFormatConsole {
		log, err = logger.NewDevelopment()
	} else {
		log, err = logger.New(cfg.LogLevel)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("server exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting chat edge",
		zap.String("provider", cfg.UpstreamProvider),
		zap.Int("credentials", len(cfg.UpstreamAPIKeys)),
		zap.String("rate_store", cfg.RateStore),
	)

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	// Policy
	pol := policy.Default()
	if cfg.PolicyFile != "" {
		p, err := policy.Load(cfg.PolicyFile)
		if err != nil {
			return err
		}
		pol = p
	}
	holder := policy.NewHolder(pol)
	if cfg.PolicyFile != "" && cfg.PolicyWatch {
		go func() {
			if err := policy.NewWatcher(cfg.PolicyFile, holder, log).Run(ctx); err != nil {
				log.Error("policy watcher stopped", zap.Error(err))
			}
		}()
	}

	// NATS is optional unless it backs the counters.
	var natsClient *natsclient.Client
	var events service.EventPublisher
	if cfg.NATSURL != "" {
		nc, err := natsclient.Connect(ctx, natsclient.Config{
			Name:     serviceName,
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return err
		}
		defer nc.Close()
		natsClient = nc

		eventStream := natsclient.NewEventStream(nc)
		if err := eventStream.EnsureStream(ctx); err != nil {
			log.Warn("chat events disabled", zap.Error(err))
		} else {
			events = eventStream
		}
	}

	counters, views, err := openStores(cfg, natsClient, pol)
	if err != nil {
		return err
	}
	defer counters.Close()
	defer views.Close()

	// Upstream
	provider, err := newProvider(cfg)
	if err != nil {
		return err
	}
	caller, err := upstream.NewCaller(provider, cfg.UpstreamAPIKeys, log)
	if err != nil {
		return err
	}
	systemPrompt, err := cfg.SystemPrompt()
	if err != nil {
		return err
	}

	// Services
	limiter := ratelimit.NewLimiter(counters, log)
	gate := gatekeeper.New(holder, limiter, log)
	chatSvc := service.NewChatService(gate, caller, relay.New(cfg.StreamIdleTimeout, log), systemPrompt, events, log)
	viewCounter := service.NewViewCounter(gate, limiter, views, log)

	router := handler.NewRouter(handler.RouterConfig{
		Chat:               handler.NewChatHandler(chatSvc, log),
		Views:              handler.NewViewsHandler(viewCounter, log),
		Health:             handler.NewHealthHandler(natsClient),
		OriginAllowed:      gate.CheckOrigin,
		FloodGuardRequests: cfg.FloodGuardRequests,
		FloodGuardWindow:   cfg.FloodGuardWindow,
		MetricsEnabled:     cfg.MetricsEnabled,
		Logger:             log,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	log.Info("server stopped")
	return nil
}

// openStores returns the rate-limit counter store and the view count store.
func openStores(cfg *config.Config, nc *natsclient.Client, pol *policy.Policy) (ratelimit.Store, ratelimit.Store, error) {
	switch cfg.RateStore {
	case config.RateStoreNATS:
		if nc == nil {
			return nil, nil, errors.New("nats rate store requires a NATS connection")
		}
		counters := natsclient.NewCounterStore(nc, natsclient.DefaultCounterBucket, longestWindow(pol)+time.Minute)
		views := natsclient.NewCounterStore(nc, natsclient.ViewsBucket, 0)
		return counters, views, nil
	case config.RateStoreSQLite:
		s, err := ratelimit.NewSQLiteStore(cfg.RateStoreSQLitePath, time.Minute)
		if err != nil {
			return nil, nil, err
		}
		return s, nopCloser{s}, nil
	default:
		s := ratelimit.NewMemoryStore(time.Minute)
		return s, nopCloser{s}, nil
	}
}

// nopCloser lets one store serve both roles without a double Close.
type nopCloser struct {
	ratelimit.Store
}

func (nopCloser) Close() error { return nil }

func longestWindow(p *policy.Policy) time.Duration {
	longest := 24 * time.Hour
	for _, tiers := range [][]policy.Tier{p.ChatTiers, p.ViewTiers} {
		for _, t := range tiers {
			if t.Window > longest {
				longest = t.Window
			}
		}
	}
	return longest
}

func newProvider(cfg *config.Config) (upstream.Provider, error) {
	switch cfg.UpstreamProvider {
	case config.ProviderGemini:
		return upstream.NewGeminiProvider(upstream.GeminiConfig{
			BaseURL:     cfg.UpstreamBaseURL,
			Model:       cfg.UpstreamModel,
			Temperature: cfg.UpstreamTemperature,
			MaxTokens:   cfg.UpstreamMaxTokens,
			HTTPClient:  &http.Client{Transport: &http.Transport{ResponseHeaderTimeout: cfg.UpstreamTimeout}},
		}), nil
	case config.ProviderOpenAI:
		return upstream.NewOpenAIProvider(upstream.OpenAIConfig{
			BaseURL:     cfg.UpstreamBaseURL,
			Model:       cfg.UpstreamModel,
			Temperature: cfg.UpstreamTemperature,
			MaxTokens:   cfg.UpstreamMaxTokens,
		}), nil
	case config.ProviderAnthropic:
		return upstream.NewAnthropicProvider(upstream.AnthropicConfig{
			BaseURL:     cfg.UpstreamBaseURL,
			Model:       cfg.UpstreamModel,
			Temperature: cfg.UpstreamTemperature,
			MaxTokens:   cfg.UpstreamMaxTokens,
		}), nil
	default:
		return nil, fmt.Errorf("unknown upstream provider %q", cfg.UpstreamProvider)
	}
}
