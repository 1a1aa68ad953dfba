/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the reunion registration service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort             string `mapstructure:"SERVER_PORT"`
	DatabaseURL            string `mapstructure:"DATABASE_URL"`
	RedisURL               string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix   string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL            string `mapstructure:"RABBITMQ_URL"`
	InternalAPIKey         string `mapstructure:"INTERNAL_API_KEY"`
	JWTSecret              string `mapstructure:"JWT_SECRET"`
	BkashBaseURL           string `mapstructure:"BKASH_BASE_URL"`
	BkashAppKey            string `mapstructure:"BKASH_APP_KEY"`
	BkashAppSecret         string `mapstructure:"BKASH_APP_SECRET"`
	BkashUsername          string `mapstructure:"BKASH_USERNAME"`
	BkashPassword          string `mapstructure:"BKASH_PASSWORD"`
	PaymentCallbackBaseURL string `mapstructure:"PAYMENT_CALLBACK_BASE_URL"`
	FrontendReturnURL      string `mapstructure:"FRONTEND_RETURN_URL"`
	MerchantReference      string `mapstructure:"MERCHANT_REFERENCE"`

	PaymentContextTTLMinutes      int    `mapstructure:"PAYMENT_CONTEXT_TTL_MINUTES"`
	PaymentInitRateLimitPerMinute int    `mapstructure:"PAYMENT_INIT_RATE_LIMIT_PER_MINUTE"`
	PaymentExpirySweepSchedule    string `mapstructure:"PAYMENT_EXPIRY_SWEEP_SCHEDULE"`

	// Fallback pricing defaults, used when an event has no stored fee
	// schedule or the store is unreachable. Amounts are whole taka.
	DefaultRegularEarlyBird  int64  `mapstructure:"DEFAULT_REGULAR_EARLY_BIRD"`
	DefaultRegularLateOwl    int64  `mapstructure:"DEFAULT_REGULAR_LATE_OWL"`
	DefaultYoungAlumni       int64  `mapstructure:"DEFAULT_YOUNG_ALUMNI"`
	DefaultFamilyAndChildren int64  `mapstructure:"DEFAULT_FAMILY_AND_CHILDREN"`
	DefaultEarlyBirdDeadline string `mapstructure:"DEFAULT_EARLY_BIRD_DEADLINE"`
	DefaultLateOwlDeadline   string `mapstructure:"DEFAULT_LATE_OWL_DEADLINE"`
}

// PaymentContextTTL returns the pending-payment slot lifetime as a duration.
func (c Config) PaymentContextTTL() time.Duration {
	return time.Duration(c.PaymentContextTTLMinutes) * time.Minute
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8085")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "reunion:rate_limit")
	viper.SetDefault("BKASH_BASE_URL", "https://tokenized.sandbox.bka.sh/v1.2.0-beta")
	viper.SetDefault("PAYMENT_CONTEXT_TTL_MINUTES", 30)
	viper.SetDefault("PAYMENT_INIT_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("PAYMENT_EXPIRY_SWEEP_SCHEDULE", "*/5 * * * *")
	viper.SetDefault("DEFAULT_REGULAR_EARLY_BIRD", 1500)
	viper.SetDefault("DEFAULT_REGULAR_LATE_OWL", 2000)
	viper.SetDefault("DEFAULT_YOUNG_ALUMNI", 1000)
	viper.SetDefault("DEFAULT_FAMILY_AND_CHILDREN", 1000)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "REGISTRATION_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("BKASH_BASE_URL")
	_ = viper.BindEnv("BKASH_APP_KEY")
	_ = viper.BindEnv("BKASH_APP_SECRET")
	_ = viper.BindEnv("BKASH_USERNAME")
	_ = viper.BindEnv("BKASH_PASSWORD")
	_ = viper.BindEnv("PAYMENT_CALLBACK_BASE_URL")
	_ = viper.BindEnv("FRONTEND_RETURN_URL")
	_ = viper.BindEnv("MERCHANT_REFERENCE")
	_ = viper.BindEnv("PAYMENT_CONTEXT_TTL_MINUTES")
	_ = viper.BindEnv("PAYMENT_INIT_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("PAYMENT_EXPIRY_SWEEP_SCHEDULE")
	_ = viper.BindEnv("DEFAULT_REGULAR_EARLY_BIRD")
	_ = viper.BindEnv("DEFAULT_REGULAR_LATE_OWL")
	_ = viper.BindEnv("DEFAULT_YOUNG_ALUMNI")
	_ = viper.BindEnv("DEFAULT_FAMILY_AND_CHILDREN")
	_ = viper.BindEnv("DEFAULT_EARLY_BIRD_DEADLINE")
	_ = viper.BindEnv("DEFAULT_LATE_OWL_DEADLINE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	// PORT (platform convention) overrides SERVER_PORT when present.
	if port := strings.TrimSpace(viper.GetString("PORT")); port != "" {
		config.ServerPort = port
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "reunion:rate_limit"
	}

	if config.PaymentContextTTLMinutes <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive payment context ttl; using default\" minutes=%d", config.PaymentContextTTLMinutes)
		config.PaymentContextTTLMinutes = 30
	}
	if config.PaymentInitRateLimitPerMinute < 0 {
		config.PaymentInitRateLimitPerMinute = 0
	}

	if config.DefaultRegularEarlyBird < 0 {
		log.Printf("level=warn component=config msg=\"negative default early-bird rate; coercing to zero\" rate=%d", config.DefaultRegularEarlyBird)
		config.DefaultRegularEarlyBird = 0
	}
	if config.DefaultRegularLateOwl < 0 {
		log.Printf("level=warn component=config msg=\"negative default late-owl rate; coercing to zero\" rate=%d", config.DefaultRegularLateOwl)
		config.DefaultRegularLateOwl = 0
	}
	if config.DefaultYoungAlumni < 0 {
		config.DefaultYoungAlumni = 0
	}
	if config.DefaultFamilyAndChildren < 0 {
		config.DefaultFamilyAndChildren = 0
	}

	return
}

// ParseDeadline parses an RFC 3339 or date-only deadline string. Date-only
// values resolve to end of day UTC so "2025-06-01" keeps the whole deadline
// day inside the early-bird window.
func ParseDeadline(raw string) (time.Time, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02", trimmed); err == nil {
		return t.Add(24*time.Hour - time.Second), true
	}
	return time.Time{}, false
}
