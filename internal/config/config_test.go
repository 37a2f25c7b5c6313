package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Collaterals = []CollateralConfig{
		{Code: "WETH", Kind: "plain", Dust: "0.05"},
	}
	cfg.Series = []SeriesConfig{
		{Maturity: time.Date(2027, 3, 31, 0, 0, 0, 0, time.UTC), Token: "fDAI-2703"},
	}
	cfg.Oracle.WsURL = "wss://feed.example.net/quotes"
	cfg.Operator.Address = "0x00000000000000000000000000000000000000ff"
	return cfg
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.LogLevel = "verbose"
	cfg.Engine.RefCollateral = "WBTC"
	cfg.Collaterals = append(cfg.Collaterals, CollateralConfig{Code: "WETH", Kind: "fancy"})
	cfg.Redis.Addr = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("broken config accepted")
	}
	for _, want := range []string{
		`unknown log_level "verbose"`,
		`ref_collateral "WBTC" is not among`,
		`duplicate code "WETH"`,
		`kind must be plain or savings`,
		"redis: addr must not be empty",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q:\n%v", want, err)
		}
	}
}

func TestValidateFeedModeSkipsEngineRequirements(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "feed"
	cfg.Oracle.WsURL = "wss://feed.example.net/quotes"
	// No collaterals, no operator: feed mode runs without the ledger.
	if err := cfg.Validate(); err != nil {
		t.Fatalf("feed config rejected: %v", err)
	}

	cfg.Oracle.WsURL = ""
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "ws_url is required") {
		t.Fatalf("feed without ws_url: err = %v, want ws_url complaint", err)
	}
}

func TestValidateOperatorKeyNeedsPassword(t *testing.T) {
	cfg := validConfig()
	cfg.Operator.Address = ""
	cfg.Operator.EncryptedKeyPath = "/etc/termledger/operator.key"

	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "key_password is required") {
		t.Fatalf("keyfile without password: err = %v, want key_password complaint", err)
	}

	cfg.Operator.KeyPassword = "hunter2"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("keyfile with password rejected: %v", err)
	}
}

func TestValidateArchiveRequiresS3(t *testing.T) {
	cfg := validConfig()
	cfg.Archive.Enabled = true
	cfg.S3.Bucket = ""
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "s3: bucket must not be empty") {
		t.Fatalf("archive without bucket: err = %v, want bucket complaint", err)
	}

	cfg.Archive.Enabled = false
	if err := cfg.Validate(); err != nil {
		t.Fatalf("archive disabled still checks s3: %v", err)
	}
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
mode = "engine"
log_level = "debug"

[engine]
ref_collateral = "WETH"
auction_duration = "2h"

[[collaterals]]
code = "WETH"
kind = "plain"
dust = "0.05"

[[series]]
maturity = 2027-03-31T00:00:00Z
token = "fDAI-2703"

[operator]
address = "0x00000000000000000000000000000000000000ff"

[postgres]
host = "db.internal"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("TERMLEDGER_POSTGRES_PASSWORD", "sekrit")
	t.Setenv("TERMLEDGER_SERVER_PORT", "9100")
	t.Setenv("TERMLEDGER_SERVER_CORS_ORIGINS", "https://ops.example.net, https://ui.example.net")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Mode != "engine" || cfg.LogLevel != "debug" {
		t.Fatalf("mode/level = %s/%s, want engine/debug", cfg.Mode, cfg.LogLevel)
	}
	if cfg.Engine.AuctionDuration.Duration != 2*time.Hour {
		t.Fatalf("auction_duration = %s, want 2h", cfg.Engine.AuctionDuration.Duration)
	}
	// Defaults survive where the file is silent.
	if cfg.Postgres.Port != 5432 {
		t.Fatalf("postgres port = %d, want default 5432", cfg.Postgres.Port)
	}
	if cfg.Postgres.Host != "db.internal" {
		t.Fatalf("postgres host = %s, want db.internal", cfg.Postgres.Host)
	}
	// Env overrides win over both.
	if cfg.Postgres.Password != "sekrit" {
		t.Fatalf("postgres password not taken from env")
	}
	if cfg.Server.Port != 9100 {
		t.Fatalf("server port = %d, want env override 9100", cfg.Server.Port)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "https://ui.example.net" {
		t.Fatalf("cors origins = %v, want two trimmed env values", cfg.Server.CORSOrigins)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("loaded config rejected: %v", err)
	}
}

func TestDurationTextRoundTrip(t *testing.T) {
	var d duration
	if err := d.UnmarshalText([]byte("90s")); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d.Duration != 90*time.Second {
		t.Fatalf("duration = %s, want 90s", d.Duration)
	}
	out, err := d.MarshalText()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != "1m30s" {
		t.Fatalf("marshal = %s, want 1m30s", out)
	}
}
