package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/brunobiangulo/goprep"
)

func main() {
	configPath := flag.String("config", "goprep.yaml", "Path to config file (YAML)")
	addr := flag.String("addr", ":8080", "Listen address")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// A missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	// Structured JSON logging.
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfg, err := goprep.LoadConfig(*configPath)
	if err != nil {
		log.Error("loading config", "error", err)
		os.Exit(1)
	}
	applyEnv(&cfg)

	apiKey := os.Getenv("GOPREP_API_KEY")
	maxUpload := int64(100 << 20)

	engine, err := goprep.New(context.Background(), cfg, goprep.WithLogger(log))
	if err != nil {
		log.Error("creating engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	srv := &http.Server{
		Addr:         *addr,
		Handler:      newRouter(newHandler(engine, log, maxUpload), apiKey, log),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // remote parsing can take minutes
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info("server starting", "addr", *addr, "formats", engine.Formats())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	log.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server shutdown error", "error", err)
	}

	log.Info("server stopped")
}

// applyEnv overrides config fields from GOPREP_* variables.
func applyEnv(cfg *goprep.Config) {
	if v := os.Getenv("GOPREP_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("GOPREP_RECOGNIZER"); v != "" {
		cfg.Recognizer = v
	}
	if v := os.Getenv("GOPREP_LLAMAPARSE_API_KEY"); v != "" {
		cfg.LlamaParse.APIKey = v
	}
	if v := os.Getenv("GOPREP_DOCUMENTAI_PROJECT"); v != "" {
		cfg.DocumentAI.ProjectID = v
	}
	if v := os.Getenv("GOPREP_DOCUMENTAI_PROCESSOR"); v != "" {
		cfg.DocumentAI.ProcessorID = v
	}
	if v := os.Getenv("GOPREP_DOCUMENTAI_LOCATION"); v != "" {
		cfg.DocumentAI.Location = v
	}
	if v := os.Getenv("GOPREP_SUMMARY_PROVIDER"); v != "" {
		cfg.Summary.Enabled = true
		cfg.Summary.LLM.Provider = v
	}
	if v := os.Getenv("GOPREP_SUMMARY_MODEL"); v != "" {
		cfg.Summary.LLM.Model = v
	}
	if v := os.Getenv("GOPREP_SUMMARY_BASE_URL"); v != "" {
		cfg.Summary.LLM.BaseURL = v
	}
	if v := os.Getenv("GOPREP_SUMMARY_API_KEY"); v != "" {
		cfg.Summary.LLM.APIKey = v
	}

	// Fallback: check well-known provider env vars for API keys.
	if cfg.Summary.LLM.APIKey == "" {
		switch cfg.Summary.LLM.Provider {
		case "openai":
			cfg.Summary.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		case "groq":
			cfg.Summary.LLM.APIKey = os.Getenv("GROQ_API_KEY")
		case "gemini":
			cfg.Summary.LLM.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}
	if cfg.LlamaParse.APIKey == "" {
		cfg.LlamaParse.APIKey = os.Getenv("LLAMA_CLOUD_API_KEY")
	}
	if cfg.DocumentAI.CredentialsFile == "" {
		cfg.DocumentAI.CredentialsFile = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	}
}
