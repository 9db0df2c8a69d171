package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feen.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
vault:
  master_key: test-master-key
auth:
  session_secret: test-session-secret
`

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Database.DSN != "feen.db" {
		t.Errorf("dsn = %q", cfg.Database.DSN)
	}
	if cfg.Auth.SessionTTL != 12*time.Hour {
		t.Errorf("session ttl = %v", cfg.Auth.SessionTTL)
	}
	if cfg.RateLimits.DefaultRPM != 60 {
		t.Errorf("default rpm = %d", cfg.RateLimits.DefaultRPM)
	}
	if cfg.Breaker.FailureThreshold != 5 || cfg.Breaker.Cooldown != 30*time.Second {
		t.Errorf("breaker = %+v", cfg.Breaker)
	}
	if cfg.Retention.Days != 90 {
		t.Errorf("retention days = %d", cfg.Retention.Days)
	}
	if cfg.Vault.StorePlaintextTokens {
		t.Error("plaintext token storage must default off")
	}
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  addr: ":9999"
  read_timeout: 5s
database:
  dsn: /var/lib/feen/feen.db
rate_limits:
  default_rpm: 120
  sync_daily_cap: true
retention:
  days: 30
vault:
  master_key: test-master-key
auth:
  session_secret: test-session-secret
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9999" || cfg.Server.ReadTimeout != 5*time.Second {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Database.DSN != "/var/lib/feen/feen.db" {
		t.Errorf("dsn = %q", cfg.Database.DSN)
	}
	if cfg.RateLimits.DefaultRPM != 120 || !cfg.RateLimits.SyncDailyCap {
		t.Errorf("rate limits = %+v", cfg.RateLimits)
	}
	if cfg.Retention.Days != 30 {
		t.Errorf("retention days = %d", cfg.Retention.Days)
	}
	// Partial override keeps untouched defaults.
	if cfg.Server.WriteTimeout != 120*time.Second {
		t.Errorf("write timeout = %v", cfg.Server.WriteTimeout)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("FEEN_TEST_MASTER_KEY", "key-from-env")
	cfg, err := Load(writeConfig(t, `
vault:
  master_key: ${FEEN_TEST_MASTER_KEY}
auth:
  session_secret: test-session-secret
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Vault.MasterKey != "key-from-env" {
		t.Errorf("master key = %q, want env value", cfg.Vault.MasterKey)
	}
}

func TestLoad_UnsetEnvLeftVerbatim(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
vault:
  master_key: ${FEEN_DEFINITELY_UNSET_VAR}
auth:
  session_secret: test-session-secret
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// Unknown variables stay literal rather than collapsing to "", so a
	// missing secret fails loudly downstream instead of silently weakening.
	if cfg.Vault.MasterKey != "${FEEN_DEFINITELY_UNSET_VAR}" {
		t.Errorf("master key = %q", cfg.Vault.MasterKey)
	}
}

func TestLoad_RequiredSecrets(t *testing.T) {
	_, err := Load(writeConfig(t, `
auth:
  session_secret: test-session-secret
`))
	if err == nil || !strings.Contains(err.Error(), "master_key") {
		t.Errorf("missing master key err = %v", err)
	}

	_, err = Load(writeConfig(t, `
vault:
  master_key: test-master-key
`))
	if err == nil || !strings.Contains(err.Error(), "session_secret") {
		t.Errorf("missing session secret err = %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "vault: [")); err == nil {
		t.Error("expected parse error")
	}
}
