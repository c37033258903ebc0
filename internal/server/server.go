// Package server wires the stores, services, and handlers into one HTTP
// surface.
package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/oraxen/licensing/internal/backup"
	"github.com/oraxen/licensing/internal/discord"
	"github.com/oraxen/licensing/internal/email"
	"github.com/oraxen/licensing/internal/followup"
	"github.com/oraxen/licensing/internal/handler"
	"github.com/oraxen/licensing/internal/middleware"
	"github.com/oraxen/licensing/internal/payments"
	"github.com/oraxen/licensing/internal/purchase"
	"github.com/oraxen/licensing/internal/store"
	stripeclient "github.com/oraxen/licensing/internal/stripe"
	"github.com/oraxen/licensing/internal/ws"
)

type Config struct {
	PayPalWebhookSecret string
	AdminSecret         string
	Stripe              stripeclient.Config
	PostmarkToken       string
	FromEmail           string
	ClaimURL            string
	DiscordBotToken     string
	DiscordGuildID      string
	DiscordRoleIDs      map[purchase.Type]string
	Backup              backup.Config
}

type Server struct {
	db             *sql.DB
	hub            *ws.Hub
	paypalH        *handler.PayPalWebhookHandler
	stripeH        *handler.StripeWebhookHandler
	licenseH       *handler.LicenseHandler
	adminH         *handler.AdminHandler
	sessionStore   *store.SessionStore
	rateLimiter    *middleware.RateLimiter
	backupManager  *backup.Manager
	followupWorker *followup.Worker
	logger         *slog.Logger
}

func New(db *sql.DB, cfg Config, logger *slog.Logger) (*Server, error) {
	hub := ws.NewHub(logger.With("component", "events"))

	paymentStore := store.NewPaymentStore(db)
	profileStore := store.NewProfileStore(db)
	licenseStore := store.NewLicenseStore(db)
	runStore := store.NewFollowupRunStore(db)
	sessionStore := store.NewSessionStore(db)
	backupStore := store.NewBackupStore(db)

	emailClient := email.NewClient(cfg.PostmarkToken, cfg.FromEmail, cfg.ClaimURL)
	discordClient := discord.NewClient(cfg.DiscordBotToken, cfg.DiscordGuildID, cfg.DiscordRoleIDs)

	var stripeClient *stripeclient.Client
	if cfg.Stripe.SecretKey != "" {
		stripeClient = stripeclient.NewClient(cfg.Stripe)
	}

	processor := payments.NewProcessor(paymentStore, runStore, emailClient, hub, logger.With("component", "processor"))
	claimer := payments.NewClaimer(paymentStore, profileStore, licenseStore, discordClient, hub, logger.With("component", "claimer"))

	workflow := followup.NewWorkflow(paymentStore, profileStore, licenseStore, emailClient, hub, logger.With("component", "followup"))
	worker := followup.NewWorker(runStore, workflow, logger.With("component", "followup_worker"))
	backfiller := followup.NewBackfiller(paymentStore, runStore, logger.With("component", "backfill"))

	backupManager, err := backup.NewManager(cfg.Backup, db, backupStore, logger.With("component", "backup"))
	if err != nil {
		return nil, err
	}

	var stripeH *handler.StripeWebhookHandler
	if stripeClient != nil {
		stripeH = handler.NewStripeWebhookHandler(stripeClient, processor, logger.With("component", "stripe_webhook"))
	}

	return &Server{
		db:             db,
		hub:            hub,
		paypalH:        handler.NewPayPalWebhookHandler(cfg.PayPalWebhookSecret, processor, logger.With("component", "paypal_webhook")),
		stripeH:        stripeH,
		licenseH:       handler.NewLicenseHandler(claimer, licenseStore, paymentStore, logger.With("component", "license")),
		adminH:         handler.NewAdminHandler(cfg.AdminSecret, backfiller, backupManager, hub, logger.With("component", "admin")),
		sessionStore:   sessionStore,
		rateLimiter:    middleware.NewRateLimiter(),
		backupManager:  backupManager,
		followupWorker: worker,
		logger:         logger,
	}, nil
}

// SessionStore returns the session store for cleanup tasks.
func (s *Server) SessionStore() *store.SessionStore {
	return s.sessionStore
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

// BackupManager returns the backup manager so main can start its schedule.
func (s *Server) BackupManager() *backup.Manager {
	return s.backupManager
}

// FollowupWorker returns the follow-up worker so main can start it.
func (s *Server) FollowupWorker() *followup.Worker {
	return s.followupWorker
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthCheck)

	// Provider webhooks authenticate themselves (shared secret, signature).
	mux.HandleFunc("POST /api/paypal/webhook", s.rateLimited(s.paypalH.Handle, 60))
	if s.stripeH != nil {
		mux.HandleFunc("POST /api/stripe/webhook", s.stripeH.Handle)
	}

	// Product-facing validation is public but rate limited.
	mux.HandleFunc("POST /api/license/validate", s.rateLimited(s.licenseH.Validate, 30))

	// User endpoints behind session auth.
	requireSession := middleware.RequireSession(s.sessionStore)
	mux.Handle("POST /api/license/claim", requireSession(http.HandlerFunc(s.licenseH.Claim)))
	mux.Handle("POST /api/license/cleanup", requireSession(http.HandlerFunc(s.licenseH.Cleanup)))
	mux.Handle("GET /api/license/unclaimed", requireSession(http.HandlerFunc(s.licenseH.ListUnclaimed)))

	// Admin endpoints gate on the shared secret themselves.
	mux.HandleFunc("GET /api/admin/followup-backfill", s.adminH.Backfill)
	mux.HandleFunc("POST /api/admin/backup", s.adminH.Backup)
	mux.HandleFunc("GET /api/admin/events", s.adminH.Events)

	return middleware.RequestLogger(s.logger.With("component", "http"))(mux)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) rateLimited(h http.HandlerFunc, perMinute int) http.HandlerFunc {
	mw := middleware.RateLimit(s.rateLimiter, middleware.RealIP, perMinute, time.Minute)
	return func(w http.ResponseWriter, r *http.Request) {
		mw(h).ServeHTTP(w, r)
	}
}
