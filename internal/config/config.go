package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/podushkina/claimflow/internal/claim"
	"github.com/podushkina/claimflow/internal/edi"
	"github.com/podushkina/claimflow/internal/filestore"
	"github.com/podushkina/claimflow/internal/retry"
)

type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT"`
	Env        string `mapstructure:"ENV"`
	LogLevel   string `mapstructure:"LOG_LEVEL"`

	RedisAddr string `mapstructure:"REDIS_ADDR"`
	RedisPass string `mapstructure:"REDIS_PASSWORD"`
	RedisDB   int    `mapstructure:"REDIS_DB"`

	// DatabaseURL selects the Postgres claim store; empty keeps claims in memory.
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	PollInterval    time.Duration `mapstructure:"POLL_INTERVAL"`
	BatchSize       int           `mapstructure:"BATCH_SIZE"`
	LeaseTimeout    time.Duration `mapstructure:"LEASE_TIMEOUT"`
	RetryInitial    time.Duration `mapstructure:"RETRY_INITIAL"`
	RetryMax        time.Duration `mapstructure:"RETRY_MAX"`
	RetryMultiplier float64       `mapstructure:"RETRY_MULTIPLIER"`
	RetryJitter     float64       `mapstructure:"RETRY_JITTER"`

	EDIStore    string `mapstructure:"EDI_STORE"`
	EDIDir      string `mapstructure:"EDI_DIR"`
	EDIBucket   string `mapstructure:"EDI_BUCKET"`
	EDIPrefix   string `mapstructure:"EDI_PREFIX"`
	AWSRegion   string `mapstructure:"AWS_REGION"`
	AWSEndpoint string `mapstructure:"AWS_ENDPOINT_URL"`

	SubmitterName   string `mapstructure:"EDI_SUBMITTER_NAME"`
	SubmitterID     string `mapstructure:"EDI_SUBMITTER_ID"`
	ReceiverName    string `mapstructure:"EDI_RECEIVER_NAME"`
	ReceiverID      string `mapstructure:"EDI_RECEIVER_ID"`
	ContactName     string `mapstructure:"EDI_CONTACT_NAME"`
	ContactPhone    string `mapstructure:"EDI_CONTACT_PHONE"`
	ProviderName    string `mapstructure:"BILLING_PROVIDER_NAME"`
	ProviderNPI     string `mapstructure:"BILLING_PROVIDER_NPI"`
	ProviderTaxID   string `mapstructure:"BILLING_PROVIDER_TAX_ID"`
	ProviderAddress string `mapstructure:"BILLING_PROVIDER_ADDRESS"`
	ProviderCity    string `mapstructure:"BILLING_PROVIDER_CITY"`
	ProviderState   string `mapstructure:"BILLING_PROVIDER_STATE"`
	ProviderZip     string `mapstructure:"BILLING_PROVIDER_ZIP"`

	EligibilityRulesFile string  `mapstructure:"ELIGIBILITY_RULES_FILE"`
	ClearinghouseRPS     float64 `mapstructure:"CLEARINGHOUSE_RPS"`
	ClearinghouseBurst   int     `mapstructure:"CLEARINGHOUSE_BURST"`

	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

var keys = []string{
	"SERVER_PORT", "ENV", "LOG_LEVEL",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
	"DATABASE_URL",
	"POLL_INTERVAL", "BATCH_SIZE", "LEASE_TIMEOUT",
	"RETRY_INITIAL", "RETRY_MAX", "RETRY_MULTIPLIER", "RETRY_JITTER",
	"EDI_STORE", "EDI_DIR", "EDI_BUCKET", "EDI_PREFIX", "AWS_REGION", "AWS_ENDPOINT_URL",
	"EDI_SUBMITTER_NAME", "EDI_SUBMITTER_ID", "EDI_RECEIVER_NAME", "EDI_RECEIVER_ID",
	"EDI_CONTACT_NAME", "EDI_CONTACT_PHONE",
	"BILLING_PROVIDER_NAME", "BILLING_PROVIDER_NPI", "BILLING_PROVIDER_TAX_ID",
	"BILLING_PROVIDER_ADDRESS", "BILLING_PROVIDER_CITY", "BILLING_PROVIDER_STATE", "BILLING_PROVIDER_ZIP",
	"ELIGIBILITY_RULES_FILE", "CLEARINGHOUSE_RPS", "CLEARINGHOUSE_BURST",
	"OTEL_EXPORTER_OTLP_ENDPOINT",
}

// Load reads the environment, falling back to a .env file in the working
// directory when one exists.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	policy := retry.Default()
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("POLL_INTERVAL", "5s")
	v.SetDefault("BATCH_SIZE", 10)
	v.SetDefault("LEASE_TIMEOUT", "5m")
	v.SetDefault("RETRY_INITIAL", policy.Initial.String())
	v.SetDefault("RETRY_MAX", policy.Max.String())
	v.SetDefault("RETRY_MULTIPLIER", policy.Multiplier)
	v.SetDefault("RETRY_JITTER", policy.Jitter)
	v.SetDefault("EDI_STORE", string(filestore.KindLocal))
	v.SetDefault("EDI_DIR", "./edi-files")
	v.SetDefault("CLEARINGHOUSE_RPS", 10)
	v.SetDefault("CLEARINGHOUSE_BURST", 10)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// a missing .env is fine
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	if c.ServerPort == "" {
		return fmt.Errorf("SERVER_PORT is required")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.LeaseTimeout <= 0 {
		return fmt.Errorf("LEASE_TIMEOUT must be positive, got %s", c.LeaseTimeout)
	}
	if c.RetryInitial <= 0 || c.RetryMax < c.RetryInitial {
		return fmt.Errorf("RETRY_INITIAL (%s) must be positive and not above RETRY_MAX (%s)", c.RetryInitial, c.RetryMax)
	}
	if c.RetryMultiplier < 1 {
		return fmt.Errorf("RETRY_MULTIPLIER must be at least 1, got %g", c.RetryMultiplier)
	}
	if c.RetryJitter < 0 || c.RetryJitter >= 1 {
		return fmt.Errorf("RETRY_JITTER must be in [0, 1), got %g", c.RetryJitter)
	}

	for name, v := range map[string]string{"EDI_SUBMITTER_ID": c.SubmitterID, "EDI_RECEIVER_ID": c.ReceiverID} {
		if !printableASCII(v) {
			return fmt.Errorf("%s must be printable ASCII, got %q", name, v)
		}
	}

	switch filestore.Kind(strings.ToLower(c.EDIStore)) {
	case filestore.KindLocal:
		if c.EDIDir == "" {
			return fmt.Errorf("EDI_DIR is required when EDI_STORE is local")
		}
	case filestore.KindS3:
		if c.EDIBucket == "" {
			return fmt.Errorf("EDI_BUCKET is required when EDI_STORE is s3")
		}
	case filestore.KindMemory:
		if c.IsProduction() {
			return fmt.Errorf("EDI_STORE=memory is not allowed in production")
		}
	default:
		return fmt.Errorf("EDI_STORE must be \"local\", \"s3\", or \"memory\", got %q", c.EDIStore)
	}

	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	if c.ClearinghouseRPS < 0 {
		return fmt.Errorf("CLEARINGHOUSE_RPS must not be negative, got %g", c.ClearinghouseRPS)
	}
	return nil
}

func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		Initial:    c.RetryInitial,
		Max:        c.RetryMax,
		Multiplier: c.RetryMultiplier,
		Jitter:     c.RetryJitter,
	}
}

func (c *Config) FileStore() filestore.Config {
	return filestore.Config{
		Kind:     filestore.Kind(strings.ToLower(c.EDIStore)),
		Dir:      c.EDIDir,
		Bucket:   c.EDIBucket,
		Prefix:   c.EDIPrefix,
		Region:   c.AWSRegion,
		Endpoint: c.AWSEndpoint,
	}
}

// Sender builds the EDI envelope identity. Unset fields keep the generator
// defaults; ISA15 is P only in production.
func (c *Config) Sender() edi.Sender {
	usage := "T"
	if c.IsProduction() {
		usage = "P"
	}
	return edi.Sender{
		SubmitterName: c.SubmitterName,
		SubmitterID:   c.SubmitterID,
		ContactName:   c.ContactName,
		ContactPhone:  c.ContactPhone,
		ReceiverName:  c.ReceiverName,
		ReceiverID:    c.ReceiverID,
		BillingProvider: edi.BillingProvider{
			Name:  c.ProviderName,
			NPI:   c.ProviderNPI,
			TaxID: c.ProviderTaxID,
			Address: claim.Address{
				Line1: c.ProviderAddress,
				City:  c.ProviderCity,
				State: c.ProviderState,
				Zip:   c.ProviderZip,
			},
		},
		UsageIndicator: usage,
	}
}

// printableASCII reports whether s fits the X12 basic character set range.
func printableASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < ' ' || s[i] > '~' {
			return false
		}
	}
	return true
}
