package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"

	"github.com/d4rkfella/s3-backup-agent/internal/util"
)

const (
	BackendAWS   = "aws"
	BackendMinio = "minio"
)

// ErrMissingBucket is returned by RequireBucket when S3_BUCKET is not configured.
var ErrMissingBucket = errors.New("missing required configuration: S3_BUCKET")

// Config holds the application configuration, loaded from environment variables
// and an optional TOML file named by CONFIG_FILE.
type Config struct {
	S3Bucket           string        // Name of the S3 bucket holding the backups
	S3Prefix           string        // Key prefix for data and metadata objects
	AWSRegion          string        // AWS region for the S3 bucket
	AWSEndpoint        string        // Optional: Custom S3-compatible endpoint URL
	AWSAccessKeyID     string        // Static access key, unless fetched from Vault
	AWSSecretAccessKey string        // Static secret key, unless fetched from Vault
	StorageBackend     string        // "aws" (aws-sdk-go) or "minio" (minio-go)
	StagingPath        string        // Local directory for staging files
	InstanceID         string        // Installation identifier; generated when empty
	SecureDelete       bool          // Overwrite staging files before removal
	OperationTimeout   time.Duration // Timeout applied to each CLI operation
	ListenAddr         string        // HTTP listen address for serve
	APIToken           string        // Bearer token required by the HTTP API when set
	LogLevel           string        // Logging level (e.g., "debug", "info", "warn", "error")
	MemoryLimitRatio   float64       // Ratio of available memory to set as GOMEMLIMIT (0.0-1.0)

	VaultAddr                string // Optional: Vault server supplying the S3 credentials
	VaultSecretPath          string // Path in Vault KV store to fetch credentials
	VaultKubernetesRole      string // Optional: Vault Kubernetes auth role name
	VaultKubernetesTokenPath string // Optional: Path to the Kubernetes service account token file
	VaultToken               string // Optional: Vault token, used when no Kubernetes role is set

	PushoverEnable   bool   // Enable Pushover notifications
	PushoverAPIToken string // Pushover application token, unless fetched from Vault
	PushoverUserKey  string // Pushover user key, unless fetched from Vault
}

// UseVault reports whether credentials are fetched from Vault.
func (c *Config) UseVault() bool {
	return c.VaultAddr != ""
}

// RequireBucket fails when no bucket is configured. Every command except
// bucket listing needs one.
func (c *Config) RequireBucket() error {
	if strings.TrimSpace(c.S3Bucket) == "" {
		return ErrMissingBucket
	}
	return nil
}

// LoadConfig loads configuration from CONFIG_FILE and environment variables, applies
// defaults, validates the result, and performs basic sanity checks. Environment
// variables take precedence over the file.
func LoadConfig() (*Config, error) {
	src := source{}
	if path, ok := os.LookupEnv("CONFIG_FILE"); ok && path != "" {
		file, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		src.file = file
		log.Debug().Str("component", "configuration").Str("path", util.SanitizePath(path)).Int("keys", len(file)).Msg("Configuration file loaded")
	}

	cfg := &Config{
		S3Bucket:           src.getEnv("S3_BUCKET", ""),
		S3Prefix:           src.getEnv("S3_PREFIX", "homeassistant-backups/"),
		AWSRegion:          src.getEnv("AWS_REGION", "us-east-1"),
		AWSEndpoint:        src.getEnv("AWS_ENDPOINT", ""),
		AWSAccessKeyID:     src.getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey: src.getEnv("AWS_SECRET_ACCESS_KEY", ""),
		StorageBackend:     strings.ToLower(src.getEnv("STORAGE_BACKEND", BackendAWS)),
		StagingPath:        src.getEnv("STAGING_PATH", os.TempDir()),
		InstanceID:         src.getEnv("INSTANCE_ID", ""),
		SecureDelete:       src.getEnvBool("SECURE_DELETE", false),
		OperationTimeout:   src.getEnvDuration("OPERATION_TIMEOUT", 30*time.Minute),
		ListenAddr:         src.getEnv("LISTEN_ADDR", ":8080"),
		APIToken:           src.getEnv("API_TOKEN", ""),
		LogLevel:           strings.ToLower(src.getEnv("LOG_LEVEL", "info")),
		MemoryLimitRatio:   src.getEnvFloat("MEMORY_LIMIT_RATIO", 0.85),

		VaultAddr:                src.getEnv("VAULT_ADDR", ""),
		VaultSecretPath:          src.getEnv("VAULT_SECRET_PATH", ""),
		VaultKubernetesRole:      src.getEnv("VAULT_KUBERNETES_ROLE", ""),
		VaultKubernetesTokenPath: src.getEnv("VAULT_KUBERNETES_TOKEN_PATH", ""), // Default is empty, library uses /var/run/...
		VaultToken:               src.getEnv("VAULT_TOKEN", ""),

		PushoverEnable:   src.getEnvBool("PUSHOVER_ENABLE", false),
		PushoverAPIToken: src.getEnv("PUSHOVER_API_TOKEN", ""),
		PushoverUserKey:  src.getEnv("PUSHOVER_USER_KEY", ""),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	log.Info().Str("component", "configuration").Msg("Configuration loaded")
	logDebugConfig(cfg)

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StorageBackend {
	case BackendAWS, BackendMinio:
	default:
		return fmt.Errorf("invalid STORAGE_BACKEND: must be %q or %q, got: %s", BackendAWS, BackendMinio, c.StorageBackend)
	}

	if c.AWSEndpoint != "" && !strings.HasPrefix(c.AWSEndpoint, "http://") && !strings.HasPrefix(c.AWSEndpoint, "https://") {
		return fmt.Errorf("invalid AWS_ENDPOINT format: must start with http:// or https://, got: %s", util.RedactURL(c.AWSEndpoint))
	}

	if c.UseVault() {
		if !strings.HasPrefix(c.VaultAddr, "http://") && !strings.HasPrefix(c.VaultAddr, "https://") {
			return fmt.Errorf("invalid VAULT_ADDR format: must start with http:// or https://, got: %s", util.RedactURL(c.VaultAddr))
		}
		if c.VaultSecretPath == "" {
			return errors.New("missing required configuration: VAULT_SECRET_PATH must be set when VAULT_ADDR is set")
		}
	} else {
		var missing []string
		if c.AWSAccessKeyID == "" {
			missing = append(missing, "AWS_ACCESS_KEY_ID")
		}
		if c.AWSSecretAccessKey == "" {
			missing = append(missing, "AWS_SECRET_ACCESS_KEY")
		}
		if c.PushoverEnable && c.PushoverAPIToken == "" {
			missing = append(missing, "PUSHOVER_API_TOKEN")
		}
		if c.PushoverEnable && c.PushoverUserKey == "" {
			missing = append(missing, "PUSHOVER_USER_KEY")
		}
		if len(missing) > 0 {
			return fmt.Errorf("missing required configuration (or set VAULT_ADDR): %s", strings.Join(missing, ", "))
		}
	}

	if c.MemoryLimitRatio <= 0 || c.MemoryLimitRatio > 1 {
		return fmt.Errorf("invalid MEMORY_LIMIT_RATIO: must be between 0 and 1, got: %f", c.MemoryLimitRatio)
	}

	if c.OperationTimeout <= 0 {
		return fmt.Errorf("invalid OPERATION_TIMEOUT: must be positive, got: %v", c.OperationTimeout)
	}

	if err := checkStagingPath(c.StagingPath); err != nil {
		return fmt.Errorf("invalid STAGING_PATH: %w", err)
	}
	return nil
}

// logDebugConfig logs the configuration details at Debug level with redaction.
func logDebugConfig(cfg *Config) {
	log.Debug().
		Str("component", "configuration").
		Str("S3Bucket", cfg.S3Bucket).
		Str("S3Prefix", cfg.S3Prefix).
		Str("AWSRegion", cfg.AWSRegion).
		Str("AWSEndpoint", util.RedactURL(cfg.AWSEndpoint)).
		Str("AWSAccessKeyID", util.RedactKey(cfg.AWSAccessKeyID)).
		Str("StorageBackend", cfg.StorageBackend).
		Str("StagingPath", util.SanitizePath(cfg.StagingPath)).
		Str("InstanceID", cfg.InstanceID).
		Bool("SecureDelete", cfg.SecureDelete).
		Dur("OperationTimeout", cfg.OperationTimeout).
		Str("ListenAddr", cfg.ListenAddr).
		Bool("APITokenSet", cfg.APIToken != "").
		Str("LogLevel", cfg.LogLevel).
		Float64("MemoryLimitRatio", cfg.MemoryLimitRatio).
		Str("VaultAddr", util.RedactURL(cfg.VaultAddr)).
		Str("VaultSecretPath", util.SanitizePath(cfg.VaultSecretPath)).
		Str("VaultKubernetesRole", cfg.VaultKubernetesRole).
		Str("VaultKubernetesTokenPath", util.SanitizePath(cfg.VaultKubernetesTokenPath)).
		Bool("PushoverEnable", cfg.PushoverEnable).
		Msg("Loaded configuration details (debug)")
}

// --- Helper functions (kept unexported) ---

// source resolves a key from the environment first, then from the configuration file.
type source struct {
	file map[string]string
}

func (s source) lookup(key string) (string, bool) {
	if value, exists := os.LookupEnv(key); exists {
		return value, true
	}
	value, exists := s.file[key]
	return value, exists
}

// getEnv retrieves a configuration value or returns a default value.
func (s source) getEnv(key, defaultValue string) string {
	if value, exists := s.lookup(key); exists {
		return value
	}
	return defaultValue
}

// getEnvBool retrieves a boolean configuration value or returns a default value.
func (s source) getEnvBool(key string, defaultValue bool) bool {
	if value, exists := s.lookup(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid boolean configuration value, using default")
	}
	return defaultValue
}

// getEnvFloat retrieves a float64 configuration value or returns a default value.
func (s source) getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := s.lookup(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid float configuration value, using default")
	}
	return defaultValue
}

// getEnvDuration retrieves a time.Duration configuration value or returns a default value.
func (s source) getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if valueStr, exists := s.lookup(key); exists {
		if durationValue, err := time.ParseDuration(valueStr); err == nil {
			return durationValue
		}
		log.Warn().Str("key", key).Str("value", valueStr).Msg("Invalid duration configuration value, using default")
	}
	return defaultValue
}

// loadFile decodes a flat TOML file whose keys are the environment variable names in
// lower case. Values are kept in their string form and parsed by the typed getters.
func loadFile(path string) (map[string]string, error) {
	var raw map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", util.SanitizePath(path), err)
	}

	values := make(map[string]string, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case string:
			values[strings.ToUpper(key)] = v
		case bool, int64, float64:
			values[strings.ToUpper(key)] = fmt.Sprint(v)
		default:
			return nil, fmt.Errorf("invalid config file %s: key %q must be a string, number or boolean", util.SanitizePath(path), key)
		}
	}
	return values, nil
}

// checkStagingPath verifies that the staging path exists and is a writable directory.
func checkStagingPath(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("staging path directory '%s' does not exist", path)
		}
		return fmt.Errorf("failed to stat staging path '%s': %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("staging path '%s' is not a directory", path)
	}

	// Check for write permissions by trying to create a temporary file
	testFile := filepath.Join(path, ".s3-backup-agent-writetest")
	f, err := os.Create(testFile)
	if err != nil {
		if os.IsPermission(err) {
			return fmt.Errorf("staging path directory '%s' is not writable: permission denied", path)
		}
		return fmt.Errorf("failed to perform write test in staging path '%s': %w", path, err)
	}
	_ = f.Close()
	_ = os.Remove(testFile)

	return nil
}
