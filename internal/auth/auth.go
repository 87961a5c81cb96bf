// Package auth validates bearer tokens issued by an external OpenID
// provider and guards the MCP endpoint with them.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/hazyhaar/employee-mcp/internal/config"
)

var (
	ErrNoToken      = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims are the access-token claims kept on the request context.
type Claims struct {
	Scope       string   `json:"scope,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// Authorizer checks access tokens against the provider's signing keys.
type Authorizer struct {
	cfg      config.AuthConfig
	metadata *ProviderMetadata
	keyfunc  jwt.Keyfunc
	parser   *jwt.Parser
	logger   *slog.Logger
	stop     context.CancelFunc
}

// Discovery and JWKS timing. jwksRefreshInterval is a var so tests can
// shorten it.
var (
	discoveryTimeout    = 15 * time.Second
	jwksTimeout         = 10 * time.Second
	jwksRefreshInterval = time.Hour
)

// New discovers the provider and loads its JWKS through client. Any failure
// here, including a JWKS endpoint that answers with an error or an empty key
// set, should abort startup.
//
// The key set is refreshed in the background until ctx is done, so ctx must
// live as long as the server.
func New(ctx context.Context, cfg config.AuthConfig, client *http.Client, logger *slog.Logger) (*Authorizer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = http.DefaultClient
	}

	dctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	md, err := Discover(dctx, client, cfg.IssuerURL())
	cancel()
	if err != nil {
		return nil, err
	}

	kctx, stop := context.WithCancel(ctx)
	storage, err := jwkset.NewStorageFromHTTP(md.JWKSURI, jwkset.HTTPClientStorageOptions{
		Client:          client,
		Ctx:             kctx,
		HTTPTimeout:     jwksTimeout,
		RefreshInterval: jwksRefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Warn("JWKS refresh failed", "jwks_uri", md.JWKSURI, "error", err)
		},
	})
	if err != nil {
		stop()
		return nil, fmt.Errorf("loading JWKS from %s: %w", md.JWKSURI, err)
	}
	keys, err := storage.KeyReadAll(kctx)
	if err != nil {
		stop()
		return nil, fmt.Errorf("reading JWKS from %s: %w", md.JWKSURI, err)
	}
	if len(keys) == 0 {
		stop()
		return nil, fmt.Errorf("JWKS at %s holds no keys", md.JWKSURI)
	}
	kf, err := keyfunc.New(keyfunc.Options{Ctx: kctx, Storage: storage})
	if err != nil {
		stop()
		return nil, fmt.Errorf("building keyfunc: %w", err)
	}

	a := NewWithKeyfunc(cfg, md, kf.Keyfunc, logger)
	a.stop = stop
	a.logger.Info("identity provider ready",
		"issuer", md.Issuer,
		"audience", cfg.Audience,
		"jwks_uri", md.JWKSURI,
		"keys", len(keys),
	)
	return a, nil
}

// NewWithKeyfunc builds an Authorizer from already discovered metadata.
func NewWithKeyfunc(cfg config.AuthConfig, md *ProviderMetadata, kf jwt.Keyfunc, logger *slog.Logger) *Authorizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authorizer{
		cfg:      cfg,
		metadata: md,
		keyfunc:  kf,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256"}),
			jwt.WithIssuer(md.Issuer),
			jwt.WithAudience(cfg.Audience),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(30*time.Second),
		),
		logger: logger,
	}
}

// Close stops the background JWKS refresh.
func (a *Authorizer) Close() {
	if a.stop != nil {
		a.stop()
	}
}

func (a *Authorizer) Metadata() *ProviderMetadata { return a.metadata }

func (a *Authorizer) ValidateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := a.parser.ParseWithClaims(tokenStr, claims, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ExtractClaims reads and validates the Authorization: Bearer header.
func (a *Authorizer) ExtractClaims(r *http.Request) (*Claims, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, ErrNoToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return nil, ErrNoToken
	}
	return a.ValidateToken(strings.TrimSpace(parts[1]))
}

// ResourceURL is the protected MCP endpoint as seen by clients.
func (a *Authorizer) ResourceURL(endpoint string) string {
	return strings.TrimSuffix(a.cfg.BaseURL, "/") + endpoint
}

func (a *Authorizer) resourceMetadataURL() string {
	return strings.TrimSuffix(a.cfg.BaseURL, "/") + ProtectedResourcePath
}
