// Package config loads server settings from defaults, an optional YAML file,
// IK_* environment variables and command-line flags, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/and161185/iap-keeper/internal/model"
)

// EnvPrefix prefixes every environment variable, e.g. IK_DSN.
const EnvPrefix = "IK"

// Config is the server configuration.
type Config struct {
	Addr        string `mapstructure:"addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	DSN         string `mapstructure:"dsn"`
	JWTKey      string `mapstructure:"jwt_key"`
	TLSCert     string `mapstructure:"tls_cert"`
	TLSKey      string `mapstructure:"tls_key"`
	Dev         bool   `mapstructure:"dev"`

	Environment      model.Environment `mapstructure:"environment"`
	ValidatorURL     string            `mapstructure:"validator_url"`
	ValidatorTimeout time.Duration     `mapstructure:"validator_timeout"`
	Protocol         model.Protocol    `mapstructure:"protocol"`
	SkipValidation   bool              `mapstructure:"skip_validation"`

	PurchaseTimeout time.Duration `mapstructure:"purchase_timeout"`
	PollAttempts    int           `mapstructure:"poll_attempts"`
	DriftInterval   time.Duration `mapstructure:"drift_interval"`

	RestoreWindow   time.Duration `mapstructure:"restore_window"`
	RestoreMaxFails int           `mapstructure:"restore_max_fails"`
	RestoreBlockFor time.Duration `mapstructure:"restore_block_for"`
}

var defaults = map[string]any{
	"addr":              ":8443",
	"metrics_addr":      ":9090",
	"dsn":               "",
	"jwt_key":           "",
	"tls_cert":          "",
	"tls_key":           "",
	"dev":               false,
	"environment":       string(model.EnvSandbox),
	"validator_url":     "http://localhost:3000",
	"validator_timeout": 10 * time.Second,
	"protocol":          string(model.ProtocolReceipt),
	"skip_validation":   false,
	"purchase_timeout":  90 * time.Second,
	"poll_attempts":     6,
	"drift_interval":    10 * time.Minute,
	"restore_window":    15 * time.Minute,
	"restore_max_fails": 5,
	"restore_block_for": 15 * time.Minute,
}

// Flags registers the command-line flags understood by Load.
func Flags(fs *pflag.FlagSet) {
	fs.String("config", "", "YAML config file")
	fs.String("addr", defaults["addr"].(string), "gRPC listen address")
	fs.String("metrics-addr", defaults["metrics_addr"].(string), "Prometheus listen address (empty disables)")
	fs.String("dsn", "", "PostgreSQL DSN (empty uses in-memory storage)")
	fs.String("jwt-key", "", "HS256 signing key (required)")
	fs.String("tls-cert", "", "TLS certificate (PEM)")
	fs.String("tls-key", "", "TLS private key (PEM)")
	fs.Bool("dev", false, "enable server reflection (dev only)")
	fs.String("environment", defaults["environment"].(string), "sandbox or production")
	fs.String("validator-url", defaults["validator_url"].(string), "receipt validator base URL")
	fs.Duration("validator-timeout", defaults["validator_timeout"].(time.Duration), "validator request timeout")
	fs.String("protocol", defaults["protocol"].(string), "validation protocol: receipt or transaction")
	fs.Bool("skip-validation", false, "approve purchases without the validator (sandbox only)")
	fs.Duration("purchase-timeout", defaults["purchase_timeout"].(time.Duration), "wait for the store callback")
	fs.Int("poll-attempts", defaults["poll_attempts"].(int), "receipt poll attempts")
	fs.Duration("drift-interval", defaults["drift_interval"].(time.Duration), "entitlement drift scan interval (0 disables)")
	fs.Duration("restore-window", defaults["restore_window"].(time.Duration), "restore failure counting window")
	fs.Int("restore-max-fails", defaults["restore_max_fails"].(int), "rejected restores before lockout")
	fs.Duration("restore-block-for", defaults["restore_block_for"].(time.Duration), "restore lockout duration")
}

// Load resolves the configuration. fs may be nil.
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		fs.VisitAll(func(f *pflag.Flag) {
			if f.Name == "config" {
				return
			}
			_ = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
		})
		if path, _ := fs.GetString("config"); path != "" {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return c, nil
}

// Validate reports settings the server must not start with.
func (c Config) Validate() error {
	var problems []error
	if c.JWTKey == "" {
		problems = append(problems, errors.New("jwt key is required"))
	}
	if !c.Environment.Valid() {
		problems = append(problems, fmt.Errorf("unknown environment %q", c.Environment))
	}
	if c.Protocol != model.ProtocolReceipt && c.Protocol != model.ProtocolTransaction {
		problems = append(problems, fmt.Errorf("unknown protocol %q", c.Protocol))
	}
	if c.SkipValidation && c.Environment == model.EnvProduction {
		problems = append(problems, errors.New("validation cannot be skipped in production"))
	}
	if !c.SkipValidation && c.ValidatorURL == "" {
		problems = append(problems, errors.New("validator url is required"))
	}
	if c.PurchaseTimeout <= 0 || c.ValidatorTimeout <= 0 {
		problems = append(problems, errors.New("timeouts must be positive"))
	}
	if c.PollAttempts <= 0 {
		problems = append(problems, errors.New("poll attempts must be positive"))
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		problems = append(problems, errors.New("tls cert and key go together"))
	}
	return errors.Join(problems...)
}
