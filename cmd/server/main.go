package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/titanplay/backend/internal/admin"
	"github.com/titanplay/backend/internal/config"
	"github.com/titanplay/backend/internal/crypt"
	"github.com/titanplay/backend/internal/httpapi"
	"github.com/titanplay/backend/internal/hub"
	"github.com/titanplay/backend/internal/identity"
	"github.com/titanplay/backend/internal/kv"
	"github.com/titanplay/backend/internal/ratelimit"
	"github.com/titanplay/backend/internal/session"
)

func main() {
	// .env is optional; real deployments configure through the environment.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("TITAN_CONFIG"))
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg.Server.Env)

	store := openStore(cfg)

	sessions := session.NewStore(store, session.Options{
		Lifetime:      cfg.SessionLifetime(),
		SlidingWindow: cfg.SessionSlidingWindow(),
		MaxPerUser:    cfg.Sessions.MaxPerUser,
	})
	tickets := session.NewTicketIssuer(store, cfg.TicketTTL())

	limiter, err := ratelimit.NewEngine(store, cfg.RateLimit, ratelimit.NewMetrics())
	if err != nil {
		slog.Error("invalid rate limit configuration", "error", err)
		os.Exit(1)
	}

	crypto := crypt.NewService(crypt.Options{
		PreviousKeyGrace:  time.Duration(cfg.Encryption.PreviousKeyGraceSec) * time.Second,
		RotationInterval:  time.Duration(cfg.Encryption.RotationIntervalMin) * time.Minute,
		MaxMessagesPerKey: int64(cfg.Encryption.MaxMessagesPerKey),
		ReplayWindow:      time.Duration(cfg.Encryption.ReplayWindowSeconds) * time.Second,
	}, crypt.NewMetrics())
	crypto.SetRequired(cfg.Encryption.Required)

	resolver := identity.NewMultiResolver(map[string]identity.Resolver{
		"Mock": identity.NewMockResolver(),
	})

	// Hub wiring: one pipeline and one handler registry per hub.
	authenticator := &hub.Authenticator{Sessions: sessions, Tickets: tickets}
	hubMetrics := hub.NewMetrics()

	accountRegistry := hub.NewRegistry()
	registerAccountMethods(accountRegistry, sessions)

	encryptionRegistry := hub.NewRegistry()
	hub.RegisterEncryptionMethods(encryptionRegistry, crypto)

	adminMetricsRegistry := hub.NewRegistry()

	accountHub := hub.NewHub("account", "/accountHub",
		hub.NewPipeline(authenticator, limiter, crypto, accountRegistry, hubMetrics, 0), hubMetrics)
	encryptionHub := hub.NewHub("encryption", "/encryptionHub",
		hub.NewPipeline(authenticator, limiter, crypto, encryptionRegistry, hubMetrics, 0), hubMetrics)
	adminMetricsHub := hub.NewHub("admin-metrics", "/hubs/admin-metrics",
		hub.NewPipeline(authenticator, limiter, crypto, adminMetricsRegistry, hubMetrics, 0), hubMetrics).RequireAdmin()

	rotator := hub.NewRotator(crypto, accountHub, encryptionHub)
	notifier := admin.NewNotifier(limiter, crypto, adminMetricsHub)

	router := mux.NewRouter()

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "healthy",
			"service": "titan-gateway",
		})
	}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	httpapi.NewServer(sessions, tickets, resolver, limiter, cfg.Server.Env == "production").Register(router)
	admin.NewServer(sessions, limiter, crypto, rotator, notifier).Register(router)

	router.Handle(accountHub.Path(), accountHub)
	router.Handle(encryptionHub.Path(), encryptionHub)
	router.Handle(adminMetricsHub.Path(), adminMetricsHub)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go runKeyMaintenance(ctx, crypto, rotator, time.Duration(cfg.Encryption.CleanupIntervalSecond)*time.Second)

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("titan gateway starting", "port", cfg.Server.Port, "env", cfg.Server.Env)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func setupLogging(env string) {
	if env == "production" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
		return
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

// openStore connects to Redis and falls back to the in-process store when it
// is unreachable, so local development works without infrastructure. The
// fallback loses cross-node semantics and is refused in production.
func openStore(cfg *config.Config) kv.Store {
	redisStore, err := kv.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		if cfg.Server.Env == "production" {
			slog.Error("redis unreachable in production", "addr", cfg.Redis.Addr, "error", err)
			os.Exit(1)
		}
		slog.Warn("redis unreachable, using in-process store", "addr", cfg.Redis.Addr, "error", err)
		return kv.NewMemoryStore()
	}
	slog.Info("connected to redis", "addr", cfg.Redis.Addr)
	return kv.NewRetryStore(redisStore, 3, 50*time.Millisecond)
}

// runKeyMaintenance purges lapsed previous keys and rotates aged ones on a
// fixed cadence.
func runKeyMaintenance(ctx context.Context, crypto *crypt.Service, rotator *hub.Rotator, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := crypto.CleanupExpired(); removed > 0 {
				slog.Debug("expired key slots removed", "count", removed)
			}
			for _, userID := range crypto.NeedingRotation() {
				if _, err := rotator.Rotate(ctx, userID); err != nil {
					slog.Warn("automatic rotation failed", "user_id", userID, "error", err)
				}
			}
		}
	}
}

// registerAccountMethods binds the account-hub surface: session inspection
// and revocation for the calling user.
func registerAccountMethods(reg *hub.Registry, sessions *session.Store) {
	reg.Register("GetSessions", func(ctx context.Context, call *hub.Call) (any, error) {
		records, err := sessions.List(ctx, call.UserID, 0, 0)
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, 0, len(records))
		for _, rec := range records {
			out = append(out, map[string]any{
				"provider":  rec.Provider,
				"createdAt": rec.CreatedAt.UTC().Format(time.RFC3339),
				"expiresAt": rec.ExpiresAt.UTC().Format(time.RFC3339),
			})
		}
		return out, nil
	})

	reg.Register("GetSessionCount", func(ctx context.Context, call *hub.Call) (any, error) {
		count, err := sessions.Count(ctx, call.UserID)
		if err != nil {
			return nil, err
		}
		return count, nil
	})

	reg.Register("RevokeOtherSessions", func(ctx context.Context, call *hub.Call) (any, error) {
		count, err := sessions.InvalidateAll(ctx, call.UserID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"revoked": count}, nil
	})

	reg.Register("Ping", func(_ context.Context, _ *hub.Call) (any, error) {
		return "pong", nil
	})
}
