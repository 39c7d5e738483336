// Package main is the entry point for the API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lumi-ai/chat-engine/internal/chat"
	"github.com/lumi-ai/chat-engine/internal/config"
	"github.com/lumi-ai/chat-engine/internal/gemini"
	"github.com/lumi-ai/chat-engine/internal/handler"
	"github.com/lumi-ai/chat-engine/internal/middleware"
	natsclient "github.com/lumi-ai/chat-engine/internal/nats"
	"github.com/lumi-ai/chat-engine/internal/store"
	"github.com/lumi-ai/chat-engine/pkg/logger"
	"github.com/lumi-ai/chat-engine/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting API server")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "chat-engine", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", "error", err)
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Connect to NATS
	natsClient, err := natsclient.Connect(natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		log.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()

	// Open storage over JetStream KV
	db, err := store.Open(ctx, natsClient.JetStream(), log)
	if err != nil {
		log.Error("failed to open storage", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize Gemini client
	geminiClient := gemini.NewClient(gemini.Config{
		Endpoint:          cfg.GeminiEndpoint,
		Token:             cfg.GeminiToken,
		Project:           cfg.GeminiProject,
		SystemInstruction: cfg.GeminiSystemInstruction,
	}, log)

	// Initialize engine
	engine := chat.New(db, geminiClient, log)
	defer engine.Close()
	if err := engine.LoadInstructions(ctx); err != nil {
		log.Warn("failed to load custom instructions", "error", err)
	}

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(natsClient)
	conversationHandler := handler.NewConversationHandler(engine, log)
	messageHandler := handler.NewMessageHandler(engine, log)
	streamHandler := handler.NewStreamHandler(engine, log)
	instructionHandler := handler.NewInstructionHandler(engine, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"Link", "X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		// Conversations
		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", conversationHandler.Create)
			r.Get("/", conversationHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", conversationHandler.Get)
				r.Put("/", conversationHandler.Rename)
				r.Delete("/", conversationHandler.Delete)
				r.Post("/pin", conversationHandler.Pin)
				r.Post("/archive", conversationHandler.Archive)
			})
		})

		// Chat operations on the viewed conversation
		r.Route("/chat", func(r chi.Router) {
			r.Get("/messages", messageHandler.List)
			r.Post("/send", messageHandler.Send)
			r.Post("/edit", messageHandler.Edit)
			r.Post("/retry", messageHandler.Retry)
			r.Post("/stop", messageHandler.Stop)
			r.Post("/branches/navigate", messageHandler.Navigate)
			r.Post("/branches/new-chat", messageHandler.BranchToNewChat)
			r.Get("/recovery", messageHandler.Recovery)
			r.Delete("/recovery", messageHandler.ClearRecovery)
			r.Get("/models", messageHandler.Models)
			r.Put("/settings", messageHandler.Settings)
			r.Get("/events", streamHandler.Events)
		})

		// Custom instructions
		r.Route("/instructions", func(r chi.Router) {
			r.Get("/", instructionHandler.List)
			r.Post("/", instructionHandler.Create)
			r.Put("/{id}", instructionHandler.Update)
			r.Delete("/{id}", instructionHandler.Delete)
			r.Post("/{id}/toggle", instructionHandler.Toggle)
		})
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}

	log.Info("server stopped")
}
