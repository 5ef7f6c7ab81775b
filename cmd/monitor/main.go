package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/horace42/tranzy-stats/internal/config"
	"github.com/horace42/tranzy-stats/internal/metrics"
	"github.com/horace42/tranzy-stats/internal/monitor"
	"github.com/horace42/tranzy-stats/internal/server"
	"github.com/horace42/tranzy-stats/internal/store"
	"github.com/horace42/tranzy-stats/internal/tranzy"
)

func main() {
	log.Println("Starting Tranzy monitoring service...")

	cfg := config.Load()
	log.Printf("Config loaded: polling_interval=%v, default_duration=%v, max_dist=%.0fm",
		cfg.PollingInterval, cfg.DefaultDuration, cfg.MaxDistToStop)

	st, err := store.Open(cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	if err := st.EnsureSchema(context.Background()); err != nil {
		log.Fatalf("Failed to ensure database schema: %v", err)
	}
	log.Println("Database initialized")

	client := tranzy.NewClient(tranzy.Config{
		BaseURL:           cfg.TranzyURL,
		APIKey:            cfg.APIKey,
		AgencyID:          cfg.AgencyID,
		RawVehicleLogging: cfg.RawVehicleLogging,
		RawLogDir:         cfg.RawLogDir,
	})

	// confirm the credentials before serving anything
	agencyName, err := client.AgencyName(context.Background(), cfg.AgencyID)
	if err != nil {
		log.Fatalf("Failed to verify agency %s: %v", cfg.AgencyID, err)
	}
	log.Printf("Monitoring agency %s (%s)", cfg.AgencyID, agencyName)

	agencyID, err := strconv.Atoi(cfg.AgencyID)
	if err != nil {
		log.Fatalf("AGENCY_ID must be numeric, got %q", cfg.AgencyID)
	}

	collector := metrics.NewCollector()
	pipeline := monitor.NewPipeline(client, st, cfg.MaxDistToStop, cfg.TimeTolerance, collector)
	configurator := monitor.NewConfigurator(client, st, agencyID)

	srv := server.New(nil, configurator, st, collector, cfg.CORSOrigin)
	controller := monitor.NewController(st, pipeline, cfg.PollingInterval, cfg.DefaultDuration, srv.Sink, collector)
	srv.SetController(controller)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: srv.Router(),
	}
	go func() {
		log.Printf("Control API listening on :%s", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Println("Shutting down...")

	controller.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown: %v", err)
	}
	log.Println("Shutdown complete")
}
