package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/finpost/backend/internal/clients"
	"github.com/finpost/backend/internal/config"
	"github.com/finpost/backend/internal/handlers"
	mW "github.com/finpost/backend/internal/middleware"
	"github.com/finpost/backend/internal/services"
)

func main() {
	cfg := config.LoadGatewayConfig()

	ledger := clients.NewLedgerClient(cfg.LedgerURL, cfg.RequestTimeout, cfg.MaxRetries, cfg.RetryBackoff)
	compliance := clients.NewComplianceClient(cfg.ComplianceURL, cfg.RequestTimeout)
	risk := clients.NewRiskClient(cfg.RiskURL, cfg.RequestTimeout)
	notifier := clients.NewNotifierClient(cfg.NotifierURL, cfg.RequestTimeout)

	issuerService := services.NewIssuerService(ledger, compliance, risk, notifier)
	cardsHandler := handlers.NewCardsHandler(issuerService)

	// Setup router
	r := chi.NewRouter()
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	r.Post("/v1/cards", cardsHandler.IssueCard)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8082"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Gateway starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Gateway shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Gateway stopped")
}
