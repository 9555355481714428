package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/tbellucci/voicebridge/internal/bridge"
	"github.com/tbellucci/voicebridge/internal/config"
	"github.com/tbellucci/voicebridge/internal/dispatch"
	"github.com/tbellucci/voicebridge/internal/events"
	"github.com/tbellucci/voicebridge/internal/httpapi"
	"github.com/tbellucci/voicebridge/internal/observability"
	"github.com/tbellucci/voicebridge/internal/realtime"
	"github.com/tbellucci/voicebridge/internal/registry"
	"github.com/tbellucci/voicebridge/internal/transcript"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("transcript store init failed: %v", err)
	}
	defer store.Close()
	if cfg.DatabaseURL != "" {
		log.Printf("transcript store: postgres")
	} else {
		log.Printf("transcript store: in-memory")
	}

	executor, err := dispatch.NewExecutor(dispatch.Config{
		Mode: cfg.ToolExecutorMode,
		URL:  cfg.ToolExecutorURL,
	})
	if err != nil {
		log.Fatalf("tool executor init failed: %v", err)
	}
	dispatcher := dispatch.NewDispatcher(executor, cfg.ToolTimeout, cfg.ToolOutputLimit)

	client := realtime.NewClient(cfg.RealtimeBaseURL, cfg.OpenAIAPIKey)

	bus := events.NewBus()
	bus.SetDropHook(func() { metrics.FanoutDropped.Inc() })

	reg := registry.New(cfg.SessionCapacity, registry.Defaults{
		Voice:         cfg.RealtimeVoice,
		Model:         cfg.RealtimeModel,
		Instructions:  cfg.RealtimeInstructions,
		HardLimit:     cfg.SessionHardLimit,
		WarningMargin: cfg.SessionWarningMargin,
		HandoffMargin: cfg.SessionHandoffMargin,
		MaxConcurrent: int64(cfg.ToolMaxConcurrent),
	}, store, bus, dispatcher, metrics, bridge.NewDialer(client))

	api := httpapi.New(cfg, reg, store, dispatcher, client, bus, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	reg.CloseAll(transcript.EndReasonUserEnded)
	log.Printf("shutdown complete")
}
