package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AuthSecret            string
	AccessTokenTTLMinutes int

	PesapalBaseURL        string
	PesapalConsumerKey    string
	PesapalConsumerSecret string
	PesapalIPNID          string
	PesapalCallbackURL    string
	PaymentCurrency       string
	PaymentCountryCode    string
	GatewayTimeoutSeconds int

	SweepIntervalSeconds int
	SweepMinAgeSeconds   int
	SweepWorkers         int
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first; variables already set win over it.
func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[config] WARN: could not read .env: %v", err)
	}

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: positiveInt("ACCESS_TOKEN_TTL_MINUTES", 480),

		PesapalBaseURL:        getEnv("PESAPAL_BASE_URL", "https://cybqa.pesapal.com/pesapalv3"),
		PesapalConsumerKey:    strings.TrimSpace(os.Getenv("PESAPAL_CONSUMER_KEY")),
		PesapalConsumerSecret: strings.TrimSpace(os.Getenv("PESAPAL_CONSUMER_SECRET")),
		PesapalIPNID:          strings.TrimSpace(os.Getenv("PESAPAL_IPN_ID")),
		PesapalCallbackURL:    strings.TrimSpace(os.Getenv("PESAPAL_CALLBACK_URL")),
		PaymentCurrency:       getEnv("PAYMENT_CURRENCY", "KES"),
		PaymentCountryCode:    getEnv("PAYMENT_COUNTRY_CODE", "KE"),
		GatewayTimeoutSeconds: positiveInt("GATEWAY_TIMEOUT_SECONDS", 15),

		SweepIntervalSeconds: positiveInt("PAYMENT_SWEEP_INTERVAL_SECONDS", 120),
		SweepMinAgeSeconds:   positiveInt("PAYMENT_SWEEP_MIN_AGE_SECONDS", 300),
		SweepWorkers:         positiveInt("PAYMENT_SWEEP_WORKERS", 4),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// GatewayEnabled reports whether gateway credentials were supplied.
func (c Config) GatewayEnabled() bool {
	return c.PesapalConsumerKey != "" && c.PesapalConsumerSecret != ""
}

func (c Config) GatewayTimeout() time.Duration {
	return time.Duration(c.GatewayTimeoutSeconds) * time.Second
}

func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c Config) SweepMinAge() time.Duration {
	return time.Duration(c.SweepMinAgeSeconds) * time.Second
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func positiveInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
