package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/shopspring/decimal"

	"cewatcher/internal/rules"
)

const sampleYAML = `
app:
  name: CEWatcher
  self_url: https://watch.example.com/
database:
  driver: sqlite
  sqlite_path: /tmp/cewatcher-test.db
scheduler:
  hour: 12
  minute: 30
  local_timezone: UTC
source:
  kind: http
  url: https://rates.example.com/yql?q=
  query_pattern: "select * from xchange where pair in (%s)"
rates:
  - id: EURUSD
    name: EUR/USD
    rules:
      - id: eur-high
        kind: greaterThanEqualTo
        value: 1.2
      - kind: lt
        value: "1.0"
  - id: GBPUSD
detector:
  suppression_window: 12h
alerting:
  email:
    host: smtp.example.com
    username: watcher@example.com
    to: ops@example.com,fx@example.com
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesRatesAndDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Detector.SuppressionWindow != 12*time.Hour {
		t.Fatalf("suppression window = %v", cfg.Detector.SuppressionWindow)
	}
	if cfg.Detector.Workers != 4 {
		t.Fatalf("workers default = %d", cfg.Detector.Workers)
	}
	if cfg.Scheduler.ReferenceTimezone != "UTC" {
		t.Fatalf("reference timezone default = %q, want UTC", cfg.Scheduler.ReferenceTimezone)
	}
	if !cfg.Scheduler.RunOnStart {
		t.Fatal("run_on_start should default to true")
	}
	if len(cfg.Alerting.Email.To) != 2 {
		t.Fatalf("email.to = %v", cfg.Alerting.Email.To)
	}

	rates, err := cfg.ThresholdRates()
	if err != nil {
		t.Fatalf("ThresholdRates: %v", err)
	}
	if len(rates) != 2 {
		t.Fatalf("rates = %d, want 2", len(rates))
	}
	eur := rates[0]
	if eur.Name != "EUR/USD" || len(eur.Rules) != 2 {
		t.Fatalf("eur = %+v", eur)
	}
	if eur.Rules[0].Kind != rules.GreaterThanOrEqual || !eur.Rules[0].Value.Equal(decimal.RequireFromString("1.2")) {
		t.Fatalf("eur rule 0 = %+v", eur.Rules[0])
	}
	if eur.Rules[1].ID != "EURUSD-2" || eur.Rules[1].Kind != rules.LessThan {
		t.Fatalf("eur rule 1 = %+v", eur.Rules[1])
	}
	if rates[1].Name != "GBPUSD" || len(rates[1].Rules) != 0 {
		t.Fatalf("gbp = %+v", rates[1])
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("CEWATCHER_SCHEDULER_HOUR", "7")
	t.Setenv("CEWATCHER_ALERTING_EMAIL_PASSWORD", "s3cret")

	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.Hour != 7 {
		t.Fatalf("hour = %d, want 7", cfg.Scheduler.Hour)
	}
	if cfg.Alerting.Email.Password != "s3cret" {
		t.Fatalf("password not taken from env")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad hour", func(c *Config) { c.Scheduler.Hour = 24 }},
		{"bad zone", func(c *Config) { c.Scheduler.ReferenceTimezone = "Mars/Olympus" }},
		{"bad driver", func(c *Config) { c.Database.Driver = "oracle" }},
		{"bad source", func(c *Config) { c.Source.Kind = "ftp" }},
		{"unknown rule kind", func(c *Config) { c.Rates[0].Rules[0].Kind = "between" }},
		{"non numeric threshold", func(c *Config) { c.Rates[0].Rules[0].Value = "high" }},
		{"duplicate rate", func(c *Config) { c.Rates = append(c.Rates, c.Rates[0]) }},
		{"email without host", func(c *Config) { c.Alerting.Email.Host = "" }},
		{"kafka without topic", func(c *Config) {
			c.Alerting.Kafka.Enabled = true
			c.Alerting.Kafka.Brokers = []string{"localhost:9092"}
		}},
		{"negative window", func(c *Config) { c.Detector.SuppressionWindow = -time.Hour }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, sampleYAML))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestUnknownRuleKindIsInvalidRule(t *testing.T) {
	cfg := &Config{Rates: []RateConfig{{ID: "X", Rules: []RuleConfig{{Kind: "between", Value: "1"}}}}}
	if _, err := cfg.ThresholdRates(); !errors.Is(err, rules.ErrInvalidRule) {
		t.Fatalf("err = %v, want ErrInvalidRule", err)
	}
}

func TestDuplicateRuleIDsRejected(t *testing.T) {
	cases := []struct {
		name  string
		rules []RuleConfig
	}{
		{"explicit", []RuleConfig{{ID: "hi", Kind: "gt", Value: "1"}, {ID: "hi", Kind: "lt", Value: "0.5"}}},
		{"explicit clashes with generated", []RuleConfig{{ID: "X-2", Kind: "gt", Value: "1"}, {Kind: "lt", Value: "0.5"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{Rates: []RateConfig{{ID: "X", Rules: tc.rules}}}
			if _, err := cfg.ThresholdRates(); !errors.Is(err, rules.ErrInvalidRule) {
				t.Fatalf("err = %v, want ErrInvalidRule", err)
			}
		})
	}

	// The same rule id on different rates is fine.
	cfg := &Config{Rates: []RateConfig{
		{ID: "X", Rules: []RuleConfig{{ID: "hi", Kind: "gt", Value: "1"}}},
		{ID: "Y", Rules: []RuleConfig{{ID: "hi", Kind: "gt", Value: "1"}}},
	}}
	if _, err := cfg.ThresholdRates(); err != nil {
		t.Fatalf("ThresholdRates: %v", err)
	}
}

type fakeParameters struct {
	name  string
	value *string
	err   error
}

func (f *fakeParameters) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.name = *in.Name
	if f.err != nil {
		return nil, f.err
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Value: f.value}}, nil
}

func TestResolveSecrets(t *testing.T) {
	secret := "from-ssm"
	cfg := &Config{}
	cfg.Alerting.Email.PasswordSSMParameter = "/cewatcher/smtp/password"

	getter := &fakeParameters{value: &secret}
	if err := cfg.ResolveSecrets(context.Background(), getter); err != nil {
		t.Fatalf("ResolveSecrets: %v", err)
	}
	if getter.name != "/cewatcher/smtp/password" {
		t.Fatalf("requested %q", getter.name)
	}
	if cfg.Alerting.Email.Password != "from-ssm" {
		t.Fatalf("password = %q", cfg.Alerting.Email.Password)
	}

	if err := cfg.ResolveSecrets(context.Background(), &fakeParameters{}); err == nil {
		t.Fatal("empty parameter should fail")
	}
	if err := cfg.ResolveSecrets(context.Background(), &fakeParameters{err: errors.New("access denied")}); err == nil {
		t.Fatal("getter error should propagate")
	}

	none := &Config{}
	if none.NeedsSecrets() {
		t.Fatal("no parameter configured")
	}
	if err := none.ResolveSecrets(context.Background(), nil); err != nil {
		t.Fatalf("no-op resolve: %v", err)
	}
}
