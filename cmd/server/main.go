package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pharmapos/backend/internal/cache"
	"pharmapos/backend/internal/config"
	"pharmapos/backend/internal/gateway"
	"pharmapos/backend/internal/httpapi"
	"pharmapos/backend/internal/notify"
	"pharmapos/backend/internal/policy"
	"pharmapos/backend/internal/service"
	"pharmapos/backend/internal/store"
	"pharmapos/backend/internal/store/memory"
	pgstore "pharmapos/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			log.Fatalf("postgres migration failed: %v", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Println("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Println("repository: in-memory")
	}

	tokenCache := cache.TokenCache(cache.NoopTokenCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisTokenCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), gateway tokens cached in-process only", err)
		} else {
			tokenCache = redisCache
			closers = append(closers, redisCache.Close)
			log.Println("token cache: redis")
		}
	}

	var gw gateway.Gateway = gateway.Disabled{}
	if cfg.GatewayEnabled() {
		gw = gateway.NewPesapal(gateway.PesapalConfig{
			BaseURL:        cfg.PesapalBaseURL,
			ConsumerKey:    cfg.PesapalConsumerKey,
			ConsumerSecret: cfg.PesapalConsumerSecret,
			IPNID:          cfg.PesapalIPNID,
			CallbackURL:    cfg.PesapalCallbackURL,
			Currency:       cfg.PaymentCurrency,
			CountryCode:    cfg.PaymentCountryCode,
			Timeout:        cfg.GatewayTimeout(),
		}, tokenCache)
		log.Printf("payment gateway: pesapal (%s)", cfg.PesapalBaseURL)
	} else {
		log.Println("payment gateway: disabled, cash only")
	}

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()

	hub := notify.NewHub(cfg.AllowedOrigin)
	go hub.Run(runCtx)

	svc := service.New(repo, gw, notify.Multi{notify.Log{}, hub})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, policy.Default(), hub, cfg.AllowedOrigin)

	if cfg.GatewayEnabled() {
		go runSweeper(runCtx, svc, cfg)
	}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.GatewayTimeout() + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("pharmacy POS backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	stop()

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}

// runSweeper reconciles gateway payments whose callback never arrived.
func runSweeper(ctx context.Context, svc *service.Service, cfg config.Config) {
	ticker := time.NewTicker(cfg.SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := svc.SweepPendingPayments(ctx, cfg.SweepMinAge(), cfg.SweepWorkers)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Printf("[sweeper] WARN: sweep failed: %v", err)
				}
				continue
			}
			if result.Checked > 0 {
				log.Printf("[sweeper] checked=%d completed=%d cancelled=%d pending=%d failed=%d",
					result.Checked, result.Completed, result.Cancelled, result.Pending, result.Failed)
			}
		}
	}
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if (cfg.PesapalConsumerKey == "") != (cfg.PesapalConsumerSecret == "") {
		return fmt.Errorf("PESAPAL_CONSUMER_KEY and PESAPAL_CONSUMER_SECRET must be set together")
	}
	if cfg.GatewayEnabled() && cfg.PesapalIPNID == "" {
		return fmt.Errorf("PESAPAL_IPN_ID is required when the payment gateway is enabled")
	}
	return nil
}
