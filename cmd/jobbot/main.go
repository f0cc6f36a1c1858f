package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/SmmShaman/jobbot-no/api"
	"github.com/SmmShaman/jobbot-no/channels"
	"github.com/SmmShaman/jobbot-no/classify"
	"github.com/SmmShaman/jobbot-no/dbopen"
	"github.com/SmmShaman/jobbot-no/dispatch"
	"github.com/SmmShaman/jobbot-no/eventlog"
	"github.com/SmmShaman/jobbot-no/jobstore"
	"github.com/SmmShaman/jobbot-no/lifecycle"
	"github.com/SmmShaman/jobbot-no/taskq"
	"github.com/SmmShaman/jobbot-no/verify"
	"github.com/SmmShaman/jobbot-no/webfetch"
)

func main() {
	port := env("PORT", "8090")
	dbPath := env("DB_PATH", "db/jobbot.db")
	logLevel := env("LOG_LEVEL", "info")

	apiToken := os.Getenv("API_TOKEN")
	webhookSecret := os.Getenv("WEBHOOK_SECRET")

	accountEmail := os.Getenv("ACCOUNT_EMAIL")
	if accountEmail == "" {
		slog.Error("ACCOUNT_EMAIL is required")
		os.Exit(1)
	}
	operatorChat := os.Getenv("OPERATOR_CHAT_ID")
	botToken := os.Getenv("TELEGRAM_BOT_TOKEN")
	cvPath := os.Getenv("CV_PATH")

	engineURL := env("ENGINE_URL", "http://127.0.0.1:8700")
	engineToken := os.Getenv("ENGINE_TOKEN")
	callbackURL := env("CALLBACK_URL", "http://127.0.0.1:"+port+"/webhook/verification")
	scriptRef := env("SCRIPT_REF", "finn-native")
	seedPath := env("DOMAIN_SEEDS", "")
	browserWS := os.Getenv("BROWSER_WS")

	// Logging.
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := dbopen.Open(dbPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("open db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Stores.
	apps := lifecycle.NewStore(db, logger)
	jobs := jobstore.NewStore(db, logger)
	mailbox := verify.NewMailbox(db, verify.Options{})
	queue := taskq.New(db, taskq.Options{Logger: logger})
	events := eventlog.NewLogger(db)
	cache := classify.NewDomainCache(db)
	inits := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"applications", apps.Init},
		{"postings", jobs.Init},
		{"verification", mailbox.Init},
		{"queue", queue.EnsureTable},
		{"events", events.Init},
		{"domain cache", cache.Init},
	}
	for _, init := range inits {
		if err := init.fn(ctx); err != nil {
			slog.Error("init "+init.name, "error", err)
			os.Exit(1)
		}
	}

	if seedPath != "" {
		n, err := cache.SeedFromFile(ctx, seedPath)
		if err != nil {
			slog.Error("seed domain cache", "path", seedPath, "error", err)
			os.Exit(1)
		}
		slog.Info("domain cache seeded", "path", seedPath, "count", n)
	}

	// Classifier: plain HTTP first, headless browser for script-rendered
	// ATS pages.
	browser := webfetch.NewBrowser(webfetch.BrowserConfig{RemoteURL: browserWS, Logger: logger})
	defer browser.Close()
	fetcher := &webfetch.Chain{
		Primary:   webfetch.NewHTTP(webfetch.Config{}),
		Secondary: browser,
		Logger:    logger,
	}
	classifier := classify.New(cache, fetcher, logger)

	// Operator chat. Without a bot token the relay still works, but codes
	// can only arrive if the operator is pinged some other way.
	var notifier verify.Notifier
	var chat *channels.Telegram
	if botToken != "" {
		chat, err = channels.NewTelegram(channels.TelegramConfig{BotToken: botToken})
		if err != nil {
			slog.Error("telegram", "error", err)
			os.Exit(1)
		}
		defer chat.Close()
		notifier = &chatNotifier{chat: chat}
	} else {
		slog.Warn("TELEGRAM_BOT_TOKEN not set, verification notices disabled")
	}
	relay := verify.NewRelay(mailbox, notifier, logger)

	if chat != nil {
		go channels.Serve(ctx, chat, func(ctx context.Context, msg channels.Message) ([]channels.Message, error) {
			ok, err := relay.SubmitReply(ctx, msg.SenderID, msg.Text)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, nil
			}
			return []channels.Message{{
				Platform:    "telegram",
				Direction:   channels.Outbound,
				RecipientID: msg.SenderID,
				Text:        "Takk! Koden er registrert.",
			}}, nil
		}, logger)
	}
	go relay.RunSweeper(ctx, time.Minute)

	// Dispatcher and queue consumer.
	engine, err := dispatch.NewHTTPEngine(dispatch.HTTPEngineConfig{
		BaseURL:   engineURL,
		AuthToken: engineToken,
	})
	if err != nil {
		slog.Error("engine client", "error", err)
		os.Exit(1)
	}
	dispatcher := dispatch.New(dispatch.Config{
		Profile: dispatch.Profile{
			Identifier: accountEmail,
			ChatHandle: operatorChat,
			CVPath:     cvPath,
		},
		ScriptRef:   scriptRef,
		CallbackURL: callbackURL,
		Logger:      logger,
	}, apps, jobs, mailbox, queue, events, engine)
	go dispatcher.Run(ctx)

	// HTTP surface.
	var tokenHash string
	if apiToken != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(apiToken), bcrypt.DefaultCost)
		if err != nil {
			slog.Error("hash api token", "error", err)
			os.Exit(1)
		}
		tokenHash = string(hash)
	} else {
		slog.Warn("API_TOKEN not set, /api routes are unauthenticated")
	}
	server := api.New(api.Config{
		TokenHash:     tokenHash,
		WebhookSecret: webhookSecret,
		Logger:        logger,
	}, apps, jobs, classifier, dispatcher, relay, events)

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	go func() {
		slog.Info("listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
}

// chatNotifier adapts the operator chat channel to the relay's notifier.
type chatNotifier struct {
	chat channels.Channel
}

func (n *chatNotifier) NotifyCodeRequested(ctx context.Context, chatHandle, identifier string) error {
	return n.chat.Send(ctx, channels.Message{
		Platform:    "telegram",
		Direction:   channels.Outbound,
		RecipientID: chatHandle,
		Text:        fmt.Sprintf("Innlogging på FINN trenger en engangskode for %s. Svar med koden her.", identifier),
	})
}

func (n *chatNotifier) NotifyExpired(ctx context.Context, chatHandle, identifier string) error {
	return n.chat.Send(ctx, channels.Message{
		Platform:    "telegram",
		Direction:   channels.Outbound,
		RecipientID: chatHandle,
		Text:        fmt.Sprintf("Kodeforespørselen for %s er utløpt. Søknaden prøves igjen senere.", identifier),
	})
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
