package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("SLOTS_DATABASE_URL", "postgres://localhost/slots")
	t.Setenv("SLOTS_JWT_SECRET", "secret")
	t.Setenv("SLOTS_BRIDGE_SHARED_KEY", "bridge")
	t.Setenv("SLOTS_ADMIN_SHARED_KEY", "admin")
}

func TestLoadFromEnvDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.HoldTTL != 15*time.Minute || cfg.PaidPeriod != 720*time.Hour || cfg.CoolDown != 0 {
		t.Fatalf("unexpected lifecycle defaults: %+v", cfg)
	}
	if cfg.SweepInterval != time.Minute || cfg.SweepBatch != 200 || cfg.TicketRetention != 24*time.Hour {
		t.Fatalf("unexpected sweeper defaults: %+v", cfg)
	}
	if cfg.NotifyProvider != "log" || cfg.AMQPQueue != "slot.events" {
		t.Fatalf("unexpected notify defaults: %+v", cfg)
	}
	if cfg.RedisAddr != "" || cfg.CheckoutBurst != 5 || cfg.CheckoutRefill != 12*time.Second {
		t.Fatalf("unexpected rate limit defaults: %+v", cfg)
	}
	if cfg.MaxCapacity != 10 {
		t.Fatalf("max capacity = %d", cfg.MaxCapacity)
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("SLOTS_HOLD_TTL", "5m")
	t.Setenv("SLOTS_COOLDOWN", "10m")
	t.Setenv("SLOTS_SWEEP_BATCH", "50")
	t.Setenv("SLOTS_NOTIFY_PROVIDER", "AMQP")
	t.Setenv("SLOTS_REDIS_DB", "3")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.HoldTTL != 5*time.Minute || cfg.CoolDown != 10*time.Minute {
		t.Fatalf("durations not applied: %+v", cfg)
	}
	if cfg.SweepBatch != 50 || cfg.RedisDB != 3 || cfg.NotifyProvider != "amqp" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestLoadFromEnvRequiresSecrets(t *testing.T) {
	for _, k := range []string{"SLOTS_DATABASE_URL", "SLOTS_JWT_SECRET", "SLOTS_BRIDGE_SHARED_KEY", "SLOTS_ADMIN_SHARED_KEY"} {
		t.Run(k, func(t *testing.T) {
			setRequired(t)
			t.Setenv(k, "")
			if _, err := LoadFromEnv(); err == nil {
				t.Fatalf("expected error when %s is empty", k)
			}
		})
	}
}

func TestLoadFromEnvRejectsUnknownNotifier(t *testing.T) {
	setRequired(t)
	t.Setenv("SLOTS_NOTIFY_PROVIDER", "sms")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error for unknown notify provider")
	}
}

func TestParseDurationEnvFallsBack(t *testing.T) {
	t.Setenv("SLOTS_TEST_DURATION", "soon")
	if got := ParseDurationEnv("SLOTS_TEST_DURATION", time.Minute); got != time.Minute {
		t.Fatalf("malformed value: got %s", got)
	}
	t.Setenv("SLOTS_TEST_DURATION", "-5s")
	if got := ParseDurationEnv("SLOTS_TEST_DURATION", time.Minute); got != time.Minute {
		t.Fatalf("negative value: got %s", got)
	}
	t.Setenv("SLOTS_TEST_DURATION", "0")
	if got := ParseDurationEnv("SLOTS_TEST_DURATION", time.Minute); got != 0 {
		t.Fatalf("zero value: got %s", got)
	}
}
