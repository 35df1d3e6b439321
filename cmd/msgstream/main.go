package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/antoniostano/msgstream/internal/config"
	"github.com/antoniostano/msgstream/internal/httpapi"
	"github.com/antoniostano/msgstream/internal/observability"
	"github.com/antoniostano/msgstream/internal/session"
	"github.com/antoniostano/msgstream/internal/stream"
	"github.com/antoniostano/msgstream/internal/turn"
	"github.com/antoniostano/msgstream/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	var automaton *stream.Automaton
	if path := strings.TrimSpace(cfg.TokensFile); path != "" {
		automaton, err = stream.LoadTokens(path)
		if err != nil {
			log.Fatalf("token registry load failed: %v", err)
		}
		log.Printf("functional tokens: %d loaded from %s", len(automaton.Tokens()), path)
	} else {
		automaton, err = stream.NewAutomaton(stream.DefaultTokens()...)
		if err != nil {
			log.Fatalf("default token registry invalid: %v", err)
		}
		log.Printf("functional tokens: built-in defaults")
	}

	producer, err := upstream.NewProducer(upstream.Config{
		Mode:        cfg.UpstreamMode,
		HTTPURL:     cfg.UpstreamHTTPURL,
		HTTPRetries: cfg.UpstreamHTTPRetries,
	})
	if err != nil {
		log.Fatalf("upstream producer init failed: %v", err)
	}
	log.Printf("upstream producer: %s", producer.Name())

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.IncSessionEvent("expired")
		metrics.SetActiveSessions(sessions.ActiveCount())
	})

	orchestrator := turn.NewOrchestrator(
		sessions,
		producer,
		turn.RunnerConfig{
			Automaton: automaton,
			Assembler: stream.Config{
				DefaultRole: cfg.DefaultRole,
				DefaultName: cfg.DefaultName,
			},
			IdleTimeout:   cfg.StreamIdleTimeout,
			FirstDeltaSLO: cfg.FirstDeltaSLO,
		},
		metrics,
		cfg.LiveBuffer,
	)

	api := httpapi.New(cfg, sessions, orchestrator, automaton, metrics)
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
