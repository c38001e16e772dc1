package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/promptbridge/bridge/backend"
)

const (
	bearerPrefix = "Bearer "
	tokenPrefix  = "token "

	cacheSize = 1024
)

// Option configures a BackendValidator.
type Option func(*BackendValidator)

// WithLogger sets the slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *BackendValidator) {
		if l != nil {
			v.log = l
		}
	}
}

// WithAPISecret supplies the secret half paired with bare API-key
// credentials. Without it, bare keys cannot validate.
func WithAPISecret(secret string) Option {
	return func(v *BackendValidator) { v.apiSecret = secret }
}

// WithCacheTTL overrides how long positive validations are cached.
func WithCacheTTL(ttl time.Duration) Option {
	return func(v *BackendValidator) { v.cacheTTL = ttl }
}

// BackendValidator implements Validator by probing the assistant backend with
// the presented credential. Positive results are cached with a short TTL;
// failures are never cached, so this layer implements no lockout behavior.
type BackendValidator struct {
	client    *backend.Client
	log       *slog.Logger
	apiSecret string
	cacheTTL  time.Duration
	cache     *lru.LRU[string, string]
}

var _ Validator = (*BackendValidator)(nil)

// NewBackendValidator constructs a validator over the given backend client.
func NewBackendValidator(client *backend.Client, opts ...Option) *BackendValidator {
	v := &BackendValidator{
		client:   client,
		log:      slog.Default(),
		cacheTTL: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(v)
	}
	v.cache = lru.NewLRU[string, string](cacheSize, nil, v.cacheTTL)
	return v
}

// Validate normalizes the credential into an Authorization header value,
// asks the backend who it belongs to, and derives a deterministic user
// context from the answer.
func (v *BackendValidator) Validate(ctx context.Context, credential, serverURL string) (string, error) {
	header, ok := v.normalize(credential)
	if !ok {
		v.log.InfoContext(ctx, "auth.credential.malformed", slog.String("credential", Redact(credential)))
		return "", ErrUnauthenticated
	}

	cacheKey := fingerprint(header + "\x00" + serverURL)
	if uc, ok := v.cache.Get(cacheKey); ok {
		return uc, nil
	}

	identity, err := v.client.Probe(ctx, serverURL, header)
	if err != nil {
		v.log.InfoContext(ctx, "auth.probe.fail",
			slog.String("credential", Redact(credential)),
			slog.String("err", err.Error()))
		return "", ErrUnauthenticated
	}

	uc := UserContext(identity)
	v.cache.Add(cacheKey, uc)
	return uc, nil
}

// normalize maps the three accepted credential shapes onto the Authorization
// header value the backend expects. Returns false for shapes that cannot be
// completed (e.g. a bare key without a configured secret).
func (v *BackendValidator) normalize(credential string) (string, bool) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return "", false
	}

	switch {
	case strings.HasPrefix(credential, bearerPrefix):
		tok := strings.TrimSpace(credential[len(bearerPrefix):])
		if tok == "" {
			return "", false
		}
		return bearerPrefix + tok, true

	case strings.HasPrefix(credential, tokenPrefix):
		pair := strings.TrimSpace(credential[len(tokenPrefix):])
		if key, secret, ok := strings.Cut(pair, ":"); ok && key != "" && secret != "" {
			return tokenPrefix + pair, true
		}
		// Bare key behind a "token " prefix; pair with the process secret.
		if pair != "" && v.apiSecret != "" {
			return tokenPrefix + pair + ":" + v.apiSecret, true
		}
		return "", false

	default:
		// Bare API key with the secret supplied out-of-band.
		if key, secret, ok := strings.Cut(credential, ":"); ok && key != "" && secret != "" {
			return tokenPrefix + credential, true
		}
		if v.apiSecret == "" {
			return "", false
		}
		return tokenPrefix + credential + ":" + v.apiSecret, true
	}
}

// UserContext derives the stable per-identity key used to group connections.
// The raw identity (typically an email) is hashed so it never appears in
// connection records or logs.
func UserContext(identity string) string {
	return fingerprint(strings.ToLower(strings.TrimSpace(identity)))[:32]
}

func fingerprint(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Redact truncates a credential for diagnostic output. At most the first four
// characters survive.
func Redact(credential string) string {
	credential = strings.TrimSpace(credential)
	for _, prefix := range []string{bearerPrefix, tokenPrefix} {
		if strings.HasPrefix(credential, prefix) {
			return prefix + Redact(credential[len(prefix):])
		}
	}
	if len(credential) <= 4 {
		return "****"
	}
	return credential[:4] + "****"
}
