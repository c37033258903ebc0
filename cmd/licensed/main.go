package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/oraxen/licensing/internal/backup"
	"github.com/oraxen/licensing/internal/database"
	"github.com/oraxen/licensing/internal/logging"
	"github.com/oraxen/licensing/internal/purchase"
	"github.com/oraxen/licensing/internal/server"
	stripeclient "github.com/oraxen/licensing/internal/stripe"
)

func main() {
	// Optional; production deployments set real environment variables.
	_ = godotenv.Load()

	logger := logging.Setup(os.Getenv("LICENSED_LOG_LEVEL"))

	port := os.Getenv("LICENSED_PORT")
	if port == "" {
		port = "8080"
	}

	dbPath := os.Getenv("LICENSED_DB_PATH")
	if dbPath == "" {
		dbPath = "licensing.db"
	}

	db, err := database.Open(dbPath)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	cfg := server.Config{
		PayPalWebhookSecret: os.Getenv("PAYPAL_WEBHOOK_SECRET"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		Stripe: stripeclient.Config{
			SecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
			WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		},
		PostmarkToken:   os.Getenv("POSTMARK_SERVER_TOKEN"),
		FromEmail:       os.Getenv("FROM_EMAIL"),
		ClaimURL:        os.Getenv("CLAIM_URL"),
		DiscordBotToken: os.Getenv("DISCORD_BOT_TOKEN"),
		DiscordGuildID:  os.Getenv("DISCORD_GUILD_ID"),
		DiscordRoleIDs:  discordRoleIDs(),
		Backup: backup.Config{
			S3: backup.S3Config{
				Endpoint:  os.Getenv("BACKUP_S3_ENDPOINT"),
				Bucket:    os.Getenv("BACKUP_S3_BUCKET"),
				Region:    os.Getenv("BACKUP_S3_REGION"),
				AccessKey: os.Getenv("BACKUP_S3_ACCESS_KEY"),
				SecretKey: os.Getenv("BACKUP_S3_SECRET_KEY"),
			},
			DBPath:     dbPath,
			Passphrase: os.Getenv("BACKUP_PASSPHRASE"),
			SaltHex:    os.Getenv("BACKUP_SALT"),
		},
	}

	srv, err := server.New(db, cfg, logger)
	if err != nil {
		logger.Error("failed to build server", "error", err)
		os.Exit(1)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	srv.FollowupWorker().Start(bgCtx)
	srv.BackupManager().Start(bgCtx)

	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n, err := srv.SessionStore().DeleteExpired(); err != nil {
					logger.Error("cleanup expired sessions", "error", err)
				} else if n > 0 {
					logger.Info("cleaned up expired sessions", "count", n)
				}
				srv.RateLimiter().Cleanup()
			case <-bgCtx.Done():
				return
			}
		}
	}()

	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("licensing service starting", "addr", ":"+port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	bgCancel()
	srv.FollowupWorker().Stop()
	srv.BackupManager().Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

func discordRoleIDs() map[purchase.Type]string {
	ids := make(map[purchase.Type]string)
	for t, env := range map[purchase.Type]string{
		purchase.TypeOraxen:       "DISCORD_ROLE_ORAXEN",
		purchase.TypeHackedServer: "DISCORD_ROLE_HACKEDSERVER",
		purchase.TypeOraxenStudio: "DISCORD_ROLE_ORAXEN_STUDIO",
	} {
		if v := os.Getenv(env); v != "" {
			ids[t] = v
		}
	}
	return ids
}
