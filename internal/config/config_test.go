package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "SERVER_PORT")
	unsetEnvWithCleanup(t, "PORT")
	unsetEnvWithCleanup(t, "PAYMENT_CONTEXT_TTL_MINUTES")
	unsetEnvWithCleanup(t, "PAYMENT_INIT_RATE_LIMIT_PER_MINUTE")
	unsetEnvWithCleanup(t, "PAYMENT_EXPIRY_SWEEP_SCHEDULE")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8085" {
		t.Fatalf("expected default ServerPort 8085, got %q", cfg.ServerPort)
	}
	if cfg.PaymentContextTTLMinutes != 30 {
		t.Fatalf("expected default context TTL of 30 minutes, got %d", cfg.PaymentContextTTLMinutes)
	}
	if cfg.PaymentContextTTL() != 30*time.Minute {
		t.Fatalf("expected TTL duration 30m, got %s", cfg.PaymentContextTTL())
	}
	if cfg.PaymentInitRateLimitPerMinute != 10 {
		t.Fatalf("expected default init rate limit 10, got %d", cfg.PaymentInitRateLimitPerMinute)
	}
	if cfg.PaymentExpirySweepSchedule != "*/5 * * * *" {
		t.Fatalf("expected default sweep schedule, got %q", cfg.PaymentExpirySweepSchedule)
	}
	if cfg.DefaultRegularEarlyBird != 1500 || cfg.DefaultRegularLateOwl != 2000 {
		t.Fatalf("expected default regular rates 1500/2000, got %d/%d", cfg.DefaultRegularEarlyBird, cfg.DefaultRegularLateOwl)
	}
	if cfg.DefaultYoungAlumni != 1000 || cfg.DefaultFamilyAndChildren != 1000 {
		t.Fatalf("expected default discount rates 1000/1000, got %d/%d", cfg.DefaultYoungAlumni, cfg.DefaultFamilyAndChildren)
	}
}

func TestLoadConfig_PortOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "8085")
	setEnvWithCleanup(t, "PORT", "9090")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "9090" {
		t.Fatalf("expected PORT to override SERVER_PORT, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_UsesRegistrationServiceInternalAPIKeyAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "INTERNAL_API_KEY")
	setEnvWithCleanup(t, "REGISTRATION_SERVICE_INTERNAL_API_KEY", "alias-only-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "alias-only-key" {
		t.Fatalf("expected InternalAPIKey from alias env var, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_InternalAPIKeyTakesPrecedenceOverAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "INTERNAL_API_KEY", "primary-key")
	setEnvWithCleanup(t, "REGISTRATION_SERVICE_INTERNAL_API_KEY", "alias-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "primary-key" {
		t.Fatalf("expected InternalAPIKey to prioritize INTERNAL_API_KEY, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_CoercesNonPositiveTTL(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "PAYMENT_CONTEXT_TTL_MINUTES", "-5")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.PaymentContextTTLMinutes != 30 {
		t.Fatalf("expected non-positive TTL to fall back to 30, got %d", cfg.PaymentContextTTLMinutes)
	}
}

func TestLoadConfig_CoercesNegativeRates(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "DEFAULT_REGULAR_EARLY_BIRD", "-100")
	setEnvWithCleanup(t, "DEFAULT_YOUNG_ALUMNI", "-1")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.DefaultRegularEarlyBird != 0 {
		t.Fatalf("expected negative early-bird rate coerced to 0, got %d", cfg.DefaultRegularEarlyBird)
	}
	if cfg.DefaultYoungAlumni != 0 {
		t.Fatalf("expected negative young-alumni rate coerced to 0, got %d", cfg.DefaultYoungAlumni)
	}
}

func TestParseDeadline(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		want   time.Time
		wantOK bool
	}{
		{
			name:   "rfc3339",
			raw:    "2025-05-31T23:59:59Z",
			want:   time.Date(2025, 5, 31, 23, 59, 59, 0, time.UTC),
			wantOK: true,
		},
		{
			name:   "date only resolves to end of day",
			raw:    "2025-05-31",
			want:   time.Date(2025, 5, 31, 23, 59, 59, 0, time.UTC),
			wantOK: true,
		},
		{
			name:   "empty",
			raw:    "",
			wantOK: false,
		},
		{
			name:   "garbage",
			raw:    "next tuesday",
			wantOK: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ParseDeadline(tc.raw)
			if ok != tc.wantOK {
				t.Fatalf("ok = %t, want %t", ok, tc.wantOK)
			}
			if tc.wantOK && !got.Equal(tc.want) {
				t.Fatalf("deadline = %s, want %s", got, tc.want)
			}
		})
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}
