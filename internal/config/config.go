package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"dairyplant/backend/internal/domain"
)

type Config struct {
	Port                   string
	AllowedOrigin          string
	DatabaseURL            string
	AutoMigrate            bool
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	CatalogCacheTTLSeconds int
	AuthSecret             string
	AccessTokenTTLMinutes  int
	ManagerPIN             string
	OrderCancelPolicy      domain.CancelPolicy
	OrderTxMaxRetries      int
	FIFOSkipExpired        bool
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	cacheTTL, err := strconv.Atoi(getEnv("CATALOG_CACHE_TTL_SECONDS", "30"))
	if err != nil || cacheTTL < 1 {
		cacheTTL = 30
	}
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	retries, err := strconv.Atoi(getEnv("ORDER_TX_MAX_RETRIES", "3"))
	if err != nil || retries < 0 {
		retries = 3
	}

	cfg := Config{
		Port:                   getEnv("PORT", "8080"),
		AllowedOrigin:          getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		AutoMigrate:            getBool("AUTO_MIGRATE", true),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                redisDB,
		CatalogCacheTTLSeconds: cacheTTL,
		AuthSecret:             strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:  tokenTTL,
		ManagerPIN:             strings.TrimSpace(os.Getenv("MANAGER_PIN")),
		OrderCancelPolicy:      domain.CancelPolicy(strings.ToLower(getEnv("ORDER_CANCEL_POLICY", string(domain.CancelRetain)))),
		OrderTxMaxRetries:      retries,
		FIFOSkipExpired:        getBool("FIFO_SKIP_EXPIRED", false),
	}

	return cfg
}

// Validate rejects settings that would change order semantics silently.
func (c Config) Validate() error {
	if !c.OrderCancelPolicy.Valid() {
		return fmt.Errorf("ORDER_CANCEL_POLICY must be %q or %q, got %q", domain.CancelRetain, domain.CancelRestock, c.OrderCancelPolicy)
	}
	return nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getBool(key string, fallback bool) bool {
	parsed, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return fallback
	}
	return parsed
}
