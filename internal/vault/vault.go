// Package vault resolves the object store and notification credentials, either from a
// HashiCorp Vault KV secret or from static configuration.
package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/hashicorp/vault/api/auth/kubernetes"
	"github.com/rs/zerolog/log"

	"github.com/d4rkfella/s3-backup-agent/internal/config"
	"github.com/d4rkfella/s3-backup-agent/internal/retry"
	"github.com/d4rkfella/s3-backup-agent/internal/util"
)

// Secret keys read from the KV secret.
const (
	KeyAccessKey        = "aws_access_key"
	KeySecretKey        = "aws_secret_key"
	KeyPushoverAPIToken = "pushover_api_token"
	KeyPushoverUserKey  = "pushover_user_key"
)

var defaultRetryPolicy = retry.Policy{
	MaxAttempts:  5,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     15 * time.Second,
}

const revokeTimeout = 10 * time.Second

// SecureString is a byte slice wrapper for sensitive values. Zero clears the memory
// when the value is no longer needed, as far as Go's memory management allows.
// Use String() only when handing the value to an external library.
type SecureString []byte

// NewSecureString copies b and zeroes the original slice.
func NewSecureString(b []byte) SecureString {
	if b == nil {
		return nil
	}
	ss := make(SecureString, len(b))
	copy(ss, b)
	zeroBytes(b)
	return ss
}

// String returns the content as a string.
func (ss SecureString) String() string {
	return string(ss)
}

// Empty reports whether the value is unset or blank.
func (ss SecureString) Empty() bool {
	return len(strings.TrimSpace(string(ss))) == 0
}

// Zero clears the bytes and releases the slice.
func (ss *SecureString) Zero() {
	if ss == nil || *ss == nil {
		return
	}
	zeroBytes(*ss)
	*ss = nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

// Credentials holds the secrets the agent needs.
type Credentials struct {
	AccessKeyID      SecureString
	SecretAccessKey  SecureString
	PushoverAPIToken SecureString
	PushoverUserKey  SecureString
}

// Zero clears every field.
func (c *Credentials) Zero() {
	if c == nil {
		return
	}
	c.AccessKeyID.Zero()
	c.SecretAccessKey.Zero()
	c.PushoverAPIToken.Zero()
	c.PushoverUserKey.Zero()
}

// StaticCredentials returns the credentials configured through the environment or config file.
func StaticCredentials(cfg *config.Config) *Credentials {
	return &Credentials{
		AccessKeyID:      NewSecureString([]byte(cfg.AWSAccessKeyID)),
		SecretAccessKey:  NewSecureString([]byte(cfg.AWSSecretAccessKey)),
		PushoverAPIToken: NewSecureString([]byte(cfg.PushoverAPIToken)),
		PushoverUserKey:  NewSecureString([]byte(cfg.PushoverUserKey)),
	}
}

// isTransientVaultError reports whether a Vault call may succeed when retried.
func isTransientVaultError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}

	var respErr *api.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode >= 500 || respErr.StatusCode == http.StatusTooManyRequests
	}

	log.Debug().Str("component", "vault").Err(err).Msg("Encountered non-transient Vault error")
	return false
}

// --- Vault API Interface for Mocking ---

// APIClient is the part of the Vault API client used by this package.
type APIClient interface {
	Auth() AuthAPI
	Logical() LogicalAPI
	SetToken(v string)
	Token() string
	Address() string
}

// AuthAPI defines the authentication methods used.
type AuthAPI interface {
	Login(ctx context.Context, authMethod api.AuthMethod) (*api.Secret, error)
	Token() TokenAPI
}

// TokenAPI defines the token methods used.
type TokenAPI interface {
	LookupSelfWithContext(ctx context.Context) (*api.Secret, error)
	RevokeSelfWithContext(ctx context.Context, token string) error
}

// LogicalAPI defines the logical backend methods used.
type LogicalAPI interface {
	ReadWithContext(ctx context.Context, path string) (*api.Secret, error)
}

type apiClientAdapter struct {
	client *api.Client
}

func (a *apiClientAdapter) Auth() AuthAPI       { return &authAPIAdapter{a.client.Auth()} }
func (a *apiClientAdapter) Logical() LogicalAPI { return a.client.Logical() }
func (a *apiClientAdapter) SetToken(v string)   { a.client.SetToken(v) }
func (a *apiClientAdapter) Token() string       { return a.client.Token() }
func (a *apiClientAdapter) Address() string     { return a.client.Address() }

type authAPIAdapter struct {
	auth *api.Auth
}

func (a *authAPIAdapter) Login(ctx context.Context, m api.AuthMethod) (*api.Secret, error) {
	return a.auth.Login(ctx, m)
}

func (a *authAPIAdapter) Token() TokenAPI { return a.auth.Token() }

// --- Client ---

// Client fetches credentials from a Vault KV secret.
type Client struct {
	config *config.Config
	client APIClient
	// ownsToken is set when Login minted the token, which Close then revokes.
	ownsToken bool
}

// NewClient creates a Vault client wrapper. It does not authenticate; call Login.
// A nil apiClient creates a real Vault API client for cfg.VaultAddr.
func NewClient(cfg *config.Config, apiClient APIClient) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.VaultAddr == "" {
		return nil, errors.New("vault address cannot be empty")
	}
	if cfg.VaultSecretPath == "" {
		return nil, errors.New("vault secret path cannot be empty")
	}

	if apiClient == nil {
		client, err := api.NewClient(&api.Config{Address: cfg.VaultAddr})
		if err != nil {
			return nil, fmt.Errorf("failed to create Vault API client: %w", err)
		}
		apiClient = &apiClientAdapter{client: client}
	}

	return &Client{config: cfg, client: apiClient}, nil
}

// Login authenticates with Kubernetes auth when a role is configured, otherwise with
// the configured token. Transient failures are retried.
func (c *Client) Login(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errors.New("client is not initialized")
	}
	cfg := c.config

	var login retry.OperationFunc
	switch {
	case cfg.VaultKubernetesRole != "":
		var opts []kubernetes.LoginOption
		if cfg.VaultKubernetesTokenPath != "" {
			log.Debug().Str("component", "vault").Str("path", util.SanitizePath(cfg.VaultKubernetesTokenPath)).Msg("Using custom Kubernetes token path")
			opts = append(opts, kubernetes.WithServiceAccountTokenPath(cfg.VaultKubernetesTokenPath))
		}
		authMethod, err := kubernetes.NewKubernetesAuth(cfg.VaultKubernetesRole, opts...)
		if err != nil {
			return fmt.Errorf("failed to create k8s auth method: %w", err)
		}
		log.Info().Str("component", "vault").Str("role", cfg.VaultKubernetesRole).Msg("Attempting Vault Kubernetes auth")
		login = func(ctx context.Context) error {
			secret, err := c.client.Auth().Login(ctx, authMethod)
			if err == nil && secret == nil {
				return errors.New("kubernetes auth login returned no secret")
			}
			return err
		}
	case cfg.VaultToken != "":
		log.Info().Str("component", "vault").Msg("Using VAULT_TOKEN for authentication")
		c.client.SetToken(cfg.VaultToken)
		login = func(ctx context.Context) error {
			_, err := c.client.Auth().Token().LookupSelfWithContext(ctx)
			return err
		}
	default:
		return errors.New("no VAULT_TOKEN set and VAULT_KUBERNETES_ROLE not configured")
	}

	if err := retry.Do(ctx, defaultRetryPolicy, "VaultLogin", login, isTransientVaultError); err != nil {
		return fmt.Errorf("vault authentication failed: %w", err)
	}
	c.ownsToken = cfg.VaultKubernetesRole != ""

	log.Info().Str("component", "vault").Str("addr", util.RedactURL(c.client.Address())).Msg("Vault client authenticated")
	return nil
}

// GetCredentials reads the configured KV secret (v1 or v2 layout). The object store keys
// are required; the Pushover keys are required only when notifications are enabled.
func (c *Client) GetCredentials(ctx context.Context) (*Credentials, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("client is not initialized or authenticated")
	}
	secretPath := c.config.VaultSecretPath
	sanitized := util.SanitizePath(secretPath)

	log.Info().Str("component", "vault").Str("path", sanitized).Msg("Fetching secrets")

	var secret *api.Secret
	read := func(ctx context.Context) error {
		var err error
		secret, err = c.client.Logical().ReadWithContext(ctx, secretPath)
		if err != nil {
			return err
		}
		if secret == nil {
			return fmt.Errorf("secret not found at path: %s", sanitized)
		}
		return nil
	}
	if err := retry.Do(ctx, defaultRetryPolicy, "VaultReadSecret", read, isTransientVaultError); err != nil {
		return nil, fmt.Errorf("failed to read secrets from Vault path %s: %w", sanitized, err)
	}
	if len(secret.Warnings) > 0 {
		log.Warn().Str("component", "vault").Strs("warnings", secret.Warnings).Str("path", sanitized).Msg("Received warnings while reading secret")
	}

	data, err := secretData(secret)
	if err != nil {
		return nil, fmt.Errorf("invalid secret at path %s: %w", sanitized, err)
	}

	creds := &Credentials{}
	var errs []error
	fields := []struct {
		key      string
		dst      *SecureString
		required bool
	}{
		{KeyAccessKey, &creds.AccessKeyID, true},
		{KeySecretKey, &creds.SecretAccessKey, true},
		{KeyPushoverAPIToken, &creds.PushoverAPIToken, c.config.PushoverEnable},
		{KeyPushoverUserKey, &creds.PushoverUserKey, c.config.PushoverEnable},
	}
	for _, f := range fields {
		raw, exists := data[f.key]
		if !exists {
			if f.required {
				errs = append(errs, fmt.Errorf("%q not found in secret", f.key))
			}
			continue
		}
		value, ok := raw.(string)
		if !ok {
			errs = append(errs, fmt.Errorf("invalid type for %q in secret", f.key))
			continue
		}
		*f.dst = NewSecureString([]byte(strings.TrimSpace(value)))
	}
	if err := errors.Join(errs...); err != nil {
		creds.Zero()
		return nil, fmt.Errorf("invalid secret at path %s: %w", sanitized, err)
	}

	log.Info().Str("component", "vault").Str("path", sanitized).Msg("Successfully fetched secrets")
	return creds, nil
}

// secretData unwraps the KV v2 "data" envelope when present.
func secretData(secret *api.Secret) (map[string]any, error) {
	if secret.Data == nil {
		return nil, errors.New("no data found in secret")
	}
	v2, exists := secret.Data["data"]
	if !exists {
		return secret.Data, nil
	}
	data, ok := v2.(map[string]any)
	if !ok || data == nil {
		return nil, errors.New("KV v2 data field is not a map")
	}
	return data, nil
}

// Close revokes the token obtained by Kubernetes login. Caller-supplied tokens are
// left alone.
func (c *Client) Close(ctx context.Context) {
	if c == nil || c.client == nil {
		return
	}
	defer func() {
		c.client.SetToken("")
		c.client = nil
	}()

	token := c.client.Token()
	if token == "" || !c.ownsToken {
		log.Debug().Str("component", "vault").Msg("No Vault token to revoke")
		return
	}

	revokeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), revokeTimeout)
	defer cancel()

	if err := c.client.Auth().Token().RevokeSelfWithContext(revokeCtx, token); err != nil {
		log.Warn().Str("component", "vault").Err(err).Msg("Failed to revoke Vault token")
		return
	}
	log.Info().Str("component", "vault").Msg("Vault token revoked")
}
