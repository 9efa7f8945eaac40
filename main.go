package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/raine/deal-scout/internal/api"
	"github.com/raine/deal-scout/internal/config"
	"github.com/raine/deal-scout/internal/deals"
	"github.com/raine/deal-scout/internal/llm"
	"github.com/raine/deal-scout/internal/notify"
	"github.com/raine/deal-scout/internal/scan"
	"github.com/raine/deal-scout/internal/storage"
)

const (
	logFileName     = "deal-scout.log"
	shutdownTimeout = 10 * time.Second
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	config.LoadEnvFile()

	if missing := config.CheckRequiredConfig(); len(missing) > 0 {
		if config.IsInteractiveTerminal() {
			if !config.RunSetupWizard() {
				config.WaitOnWindows()
				os.Exit(1)
			}
		} else {
			config.FatalWithWait("missing required config: %s", strings.Join(missing, ", "))
		}
	}

	// JOURNAL_STREAM is set by systemd; journald keeps the logs there.
	if _, underSystemd := os.LookupEnv("JOURNAL_STREAM"); underSystemd {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logFile, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			config.FatalWithWait("failed to open log file: %v", err)
		}
		defer logFile.Close()

		consoleWriter := zerolog.ConsoleWriter{Out: os.Stderr}
		fileWriter := zerolog.ConsoleWriter{Out: logFile, NoColor: true}
		log.Logger = log.Output(io.MultiWriter(consoleWriter, fileWriter))

		log.Info().Str("logFile", logFileName).Msg("logging to file")
	}

	cfg, err := config.Load()
	if err != nil {
		config.FatalWithWait("invalid config: %v", err)
	}

	store, err := storage.NewSQLiteStore(cfg.DBPath, cfg.Secret)
	if err != nil {
		config.FatalWithWait("failed to initialize store: %v", err)
	}
	defer store.Close()
	log.Info().Str("dbPath", cfg.DBPath).Msg("store initialized")

	if err := seedAPIKey(store, cfg.GeminiAPIKey); err != nil {
		config.FatalWithWait("failed to seed api key: %v", err)
	}

	dealStore, err := deals.NewStore(store)
	if err != nil {
		config.FatalWithWait("failed to load deals: %v", err)
	}

	var transport llm.Transport
	switch cfg.GeminiTransport {
	case config.TransportSDK:
		transport = llm.NewSDKTransport(cfg.GeminiModel, cfg.GeminiBaseURL)
	default:
		transport = llm.NewRESTTransport(llm.RESTOpts{BaseURL: cfg.GeminiBaseURL, Model: cfg.GeminiModel})
	}
	log.Info().Str("transport", cfg.GeminiTransport).Str("model", cfg.GeminiModel).Msg("ai gateway initialized")

	finder := llm.NewFinder(llm.NewGateway(transport), llm.NewParser(nil), store)

	page := api.NewRemotePage()
	deps := scan.Deps{
		Page:     page,
		Finder:   finder,
		Store:    dealStore,
		Settings: store,
	}
	if cfg.TelegramEnabled() {
		telegram, err := notify.NewTelegramFromToken(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			config.FatalWithWait("%v", err)
		}
		deps.Notifier = telegram
	}

	scanCfg := scan.DefaultConfig()
	scanCfg.MaxDuration = cfg.ScanDuration
	scanCfg.CaptureInterval = cfg.CaptureInterval
	scanCfg.ExtractInterval = cfg.ExtractInterval

	machine := scan.NewMachine(scanCfg, deps)
	machine.OnChange(func(s scan.State) {
		log.Debug().Str("session", s.ID).Str("phase", string(s.Phase)).Int("frames", s.FrameCount).Int("ads", s.AdCount).Msg("session state")
	})
	machine.StartWorker()
	defer machine.Close()

	server := api.NewServer(api.Opts{
		Session:        machine,
		Page:           page,
		Deals:          dealStore,
		Settings:       store,
		AllowedOrigins: cfg.CORSOrigins,
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("stopping http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	janitor := deals.NewJanitor(dealStore, store)
	g.Go(func() error {
		janitor.Run(ctx)
		return nil
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("shutdown with error")
	} else {
		log.Info().Msg("shutdown complete")
	}
}

// seedAPIKey stores the environment's Gemini key when no key has been saved
// yet. A key set through the settings API is never overwritten.
func seedAPIKey(store *storage.SQLiteStore, key string) error {
	if key == "" {
		return nil
	}
	seeded := false
	_, err := store.UpdateSettings(func(settings *storage.Settings) {
		if !settings.HasAPIKey() {
			settings.APIKey = key
			seeded = true
		}
	})
	if err != nil {
		return err
	}
	if seeded {
		log.Info().Msg("api key seeded from environment")
	}
	return nil
}
