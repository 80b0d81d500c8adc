package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/hackclub/certpheus/internal/pkg/logger"
	"github.com/hackclub/certpheus/internal/relay"
	"github.com/hackclub/certpheus/internal/slackgw"
	"github.com/hackclub/certpheus/internal/threads"
)

func main() {
	_ = godotenv.Load()

	logg, err := logger.New(os.Getenv("APP_ENV"))
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer logg.Sync()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	token := os.Getenv("SLACK_BOT_TOKEN")
	if token == "" {
		logg.Fatal("SLACK_BOT_TOKEN is not set")
	}
	channel := os.Getenv("SUPPORT_CHANNEL_ID")
	if channel == "" {
		logg.Fatal("SUPPORT_CHANNEL_ID is not set")
	}
	signingSecret := os.Getenv("SLACK_SIGNING_SECRET")
	if signingSecret == "" {
		logg.Warn("SLACK_SIGNING_SECRET is not set, request signatures will not be verified")
	}

	// --- Store ---
	store, db, err := buildStore(logg)
	if err != nil {
		logg.Fatal("store init error", "err", err)
	}
	if db != nil {
		defer db.Close()
	}

	strict := os.Getenv("STORE_LOAD_STRICT") == "true"
	manager := threads.NewManager(store, logg, strict)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := manager.Initialize(ctx); err != nil {
		logg.Fatal("loading threads from store failed", "err", err)
	}

	// --- Slack gateway ---
	botName := os.Getenv("BOT_DISPLAY_NAME")
	if botName == "" {
		botName = "Certpheus"
	}
	gateway := slackgw.NewClient(token, botName, os.Getenv("BOT_ICON_EMOJI"), logg)
	botUserID, err := gateway.BotUserID(ctx)
	if err != nil {
		logg.Fatal("resolving bot identity failed", "err", err)
	}

	// --- Relay module wiring ---
	relayService := relay.NewService(manager, gateway, logg, channel, botUserID)
	relayHandler := relay.NewHandler(relayService, logg, signingSecret, channel)

	// --- Router ---
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Slack-Signature", "X-Slack-Request-Timestamp"},
	}))

	relay.RegisterRoutes(r, relayHandler)

	// --- health ---
	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	})

	logg.Info("listening", "port", port, "bot_user", botUserID)
	if err := http.ListenAndServe(":"+port, r); err != nil {
		logg.Fatal("server error", "err", err)
	}
}

// buildStore picks the persistence backend: the Airtable-style REST store the
// original deployment used, or Postgres. The returned *sql.DB is non-nil only
// for the Postgres backend; the caller owns closing it.
func buildStore(logg *logger.Logger) (threads.Store, *sql.DB, error) {
	switch backend := os.Getenv("STORE_BACKEND"); backend {
	case "", "airtable":
		baseURL := os.Getenv("AIRTABLE_BASE_URL")
		token := os.Getenv("AIRTABLE_TOKEN")
		if baseURL == "" || token == "" {
			logg.Fatal("AIRTABLE_BASE_URL or AIRTABLE_TOKEN is not set")
		}
		return threads.NewAirtableStore(baseURL, token), nil, nil
	case "postgres":
		dsn := os.Getenv("DATABASE_URL")
		if dsn == "" {
			logg.Fatal("DATABASE_URL is not set")
		}
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return threads.NewPostgresStore(db), db, nil
	default:
		logg.Fatal("unknown STORE_BACKEND", "backend", backend)
		return nil, nil, nil
	}
}
