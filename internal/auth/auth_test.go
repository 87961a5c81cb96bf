package auth

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/employee-mcp/internal/config"
	"github.com/hazyhaar/employee-mcp/pkg/kit"
)

const testAudience = "https://employees.example.com"

// fakeProvider is a minimal OpenID provider: discovery, JWKS and token endpoint.
type fakeProvider struct {
	srv *httptest.Server

	mu         sync.Mutex
	key        *rsa.PrivateKey
	kid        string
	jwksStatus int
	emptyJWKS  bool
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	p := &fakeProvider{key: key, kid: "test-key", jwksStatus: http.StatusOK}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 p.issuer(),
			"authorization_endpoint": p.srv.URL + "/authorize",
			"token_endpoint":         p.srv.URL + "/oauth/token",
			"jwks_uri":               p.srv.URL + "/.well-known/jwks.json",
		})
	})
	mux.HandleFunc("/.well-known/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.jwksStatus != http.StatusOK {
			http.Error(w, "unavailable", p.jwksStatus)
			return
		}
		keys := []map[string]string{}
		if !p.emptyJWKS {
			keys = append(keys, map[string]string{
				"kty": "RSA",
				"kid": p.kid,
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(p.key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(p.key.E)).Bytes()),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"keys": keys})
	})
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		id, secret, ok := r.BasicAuth()
		if !ok {
			id, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
		}
		if id != "cid" || secret != "csecret" || r.PostForm.Get("code") != "good-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-123","token_type":"Bearer","expires_in":3600,"id_token":"idt-456"}`))
	})
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakeProvider) issuer() string { return p.srv.URL + "/" }

func (p *fakeProvider) config() config.AuthConfig {
	return config.AuthConfig{
		Enabled:      true,
		Domain:       p.srv.URL,
		ClientID:     "cid",
		ClientSecret: "csecret",
		Audience:     testAudience,
		BaseURL:      "http://localhost:8000",
		Scopes:       []string{"openid", "email"},
	}
}

func (p *fakeProvider) claims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":         p.issuer(),
		"sub":         "auth0|ada",
		"aud":         []string{testAudience, p.issuer() + "userinfo"},
		"iat":         now.Unix(),
		"exp":         now.Add(time.Hour).Unix(),
		"scope":       "openid email",
		"permissions": []string{"employees:write"},
	}
}

func (p *fakeProvider) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = p.kid
	s, err := tok.SignedString(p.key)
	require.NoError(t, err)
	return s
}

// rotate replaces the signing key, as a provider does on key rollover.
func (p *fakeProvider) rotate(t *testing.T, kid string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.key, p.kid = key, kid
}

func (p *fakeProvider) setJWKSStatus(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jwksStatus = code
}

// staticAuthorizer skips discovery and JWKS fetching.
func (p *fakeProvider) staticAuthorizer() *Authorizer {
	md := &ProviderMetadata{
		Issuer:                p.issuer(),
		AuthorizationEndpoint: p.srv.URL + "/authorize",
		TokenEndpoint:         p.srv.URL + "/oauth/token",
		JWKSURI:               p.srv.URL + "/.well-known/jwks.json",
	}
	p.mu.Lock()
	pub := &p.key.PublicKey
	p.mu.Unlock()
	return NewWithKeyfunc(p.config(), md, func(*jwt.Token) (any, error) {
		return pub, nil
	}, nil)
}

func serve(h http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader("{}"))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNew_DiscoversAndValidates(t *testing.T) {
	p := newFakeProvider(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, p.config(), p.srv.Client(), nil)
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, p.issuer(), a.Metadata().Issuer)

	claims, err := a.ValidateToken(p.sign(t, p.claims()))
	require.NoError(t, err)
	assert.Equal(t, "auth0|ada", claims.Subject)
	assert.Equal(t, []string{"employees:write"}, claims.Permissions)
}

func TestNew_DiscoveryFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	cfg := config.AuthConfig{Domain: srv.URL, Audience: testAudience}
	_, err := New(context.Background(), cfg, srv.Client(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discovery document")
}

// countingTransport counts requests per path.
type countingTransport struct {
	mu    sync.Mutex
	hits  map[string]int
	inner http.RoundTripper
}

func (c *countingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	c.mu.Lock()
	c.hits[r.URL.Path]++
	c.mu.Unlock()
	return c.inner.RoundTrip(r)
}

func (c *countingTransport) count(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits[path]
}

func TestNew_FetchesJWKSWithGivenClient(t *testing.T) {
	p := newFakeProvider(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt := &countingTransport{hits: map[string]int{}, inner: p.srv.Client().Transport}
	a, err := New(ctx, p.config(), &http.Client{Transport: rt}, nil)
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, 1, rt.count("/.well-known/openid-configuration"))
	assert.Equal(t, 1, rt.count("/.well-known/jwks.json"))
}

func TestNew_JWKSFailureAbortsStartup(t *testing.T) {
	p := newFakeProvider(t)
	p.setJWKSStatus(http.StatusInternalServerError)

	_, err := New(context.Background(), p.config(), p.srv.Client(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading JWKS")
	assert.Contains(t, err.Error(), "500")
}

func TestNew_EmptyJWKSAbortsStartup(t *testing.T) {
	p := newFakeProvider(t)
	p.mu.Lock()
	p.emptyJWKS = true
	p.mu.Unlock()

	_, err := New(context.Background(), p.config(), p.srv.Client(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "holds no keys")
}

func TestNew_LogsKeyCount(t *testing.T) {
	p := newFakeProvider(t)
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	a, err := New(context.Background(), p.config(), p.srv.Client(), logger)
	require.NoError(t, err)
	defer a.Close()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "identity provider ready", entry["msg"])
	assert.EqualValues(t, 1, entry["keys"])
}

func TestNew_RefreshesKeysAfterStartup(t *testing.T) {
	saved := jwksRefreshInterval
	jwksRefreshInterval = 50 * time.Millisecond
	defer func() { jwksRefreshInterval = saved }()

	p := newFakeProvider(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, p.config(), p.srv.Client(), nil)
	require.NoError(t, err)
	defer a.Close()

	// Outlive the startup timeouts, then roll the key.
	p.rotate(t, "rotated-key")
	token := p.sign(t, p.claims())
	assert.Eventually(t, func() bool {
		_, err := a.ValidateToken(token)
		return err == nil
	}, 5*time.Second, 25*time.Millisecond)
}

func TestClose_StopsRefresh(t *testing.T) {
	saved := jwksRefreshInterval
	jwksRefreshInterval = 20 * time.Millisecond
	defer func() { jwksRefreshInterval = saved }()

	p := newFakeProvider(t)
	rt := &countingTransport{hits: map[string]int{}, inner: p.srv.Client().Transport}
	a, err := New(context.Background(), p.config(), &http.Client{Transport: rt}, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return rt.count("/.well-known/jwks.json") > 1 }, 5*time.Second, 10*time.Millisecond)
	a.Close()
	time.Sleep(50 * time.Millisecond)
	n := rt.count("/.well-known/jwks.json")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, n, rt.count("/.well-known/jwks.json"))
}

func TestRequire_AcceptsValidToken(t *testing.T) {
	p := newFakeProvider(t)
	a := p.staticAuthorizer()

	var gotClaims *Claims
	var gotUser string
	h := a.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims = ClaimsFromContext(r.Context())
		gotUser = kit.GetUserID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := serve(h, p.sign(t, p.claims()))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, gotClaims)
	assert.Equal(t, "openid email", gotClaims.Scope)
	assert.Equal(t, "auth0|ada", gotUser)
}

func TestRequire_MissingToken(t *testing.T) {
	p := newFakeProvider(t)
	called := false
	h := p.staticAuthorizer().Require(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	rec := serve(h, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, called)
	assert.Equal(t,
		`Bearer resource_metadata="http://localhost:8000/.well-known/oauth-protected-resource"`,
		rec.Header().Get("WWW-Authenticate"))
}

func TestRequire_RejectsBadTokens(t *testing.T) {
	p := newFakeProvider(t)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token func() string
	}{
		{"wrong audience", func() string {
			c := p.claims()
			c["aud"] = "https://someone-else"
			return p.sign(t, c)
		}},
		{"wrong issuer", func() string {
			c := p.claims()
			c["iss"] = "https://evil.example.com/"
			return p.sign(t, c)
		}},
		{"expired", func() string {
			c := p.claims()
			c["exp"] = time.Now().Add(-time.Hour).Unix()
			return p.sign(t, c)
		}},
		{"no expiry", func() string {
			c := p.claims()
			delete(c, "exp")
			return p.sign(t, c)
		}},
		{"foreign key", func() string {
			tok := jwt.NewWithClaims(jwt.SigningMethodRS256, p.claims())
			tok.Header["kid"] = p.kid
			s, err := tok.SignedString(other)
			require.NoError(t, err)
			return s
		}},
		{"hmac", func() string {
			s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, p.claims()).SignedString([]byte("secret"))
			require.NoError(t, err)
			return s
		}},
		{"garbage", func() string { return "not.a.jwt" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			h := p.staticAuthorizer().Require(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

			rec := serve(h, tt.token())
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.False(t, called)
			assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `error="invalid_token"`)
		})
	}
}

func TestProtectedResourceMetadata(t *testing.T) {
	p := newFakeProvider(t)
	a := p.staticAuthorizer()

	rec := httptest.NewRecorder()
	a.ProtectedResourceHandler("/mcp")(rec, httptest.NewRequest(http.MethodGet, ProtectedResourcePath, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "http://localhost:8000/mcp", doc["resource"])
	assert.Equal(t, []any{p.issuer()}, doc["authorization_servers"])
}

func TestLoginRedirect(t *testing.T) {
	p := newFakeProvider(t)
	a := p.staticAuthorizer()

	rec := httptest.NewRecorder()
	a.LoginHandler(rec, httptest.NewRequest(http.MethodGet, LoginPath, nil))
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, p.srv.URL+"/authorize", loc.Scheme+"://"+loc.Host+loc.Path)
	q := loc.Query()
	assert.Equal(t, "cid", q.Get("client_id"))
	assert.Equal(t, testAudience, q.Get("audience"))
	assert.Equal(t, "http://localhost:8000/auth/callback", q.Get("redirect_uri"))
	assert.Equal(t, "code", q.Get("response_type"))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, q.Get("state"), cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)
}

func callback(a *Authorizer, query, cookieState string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, CallbackPath+"?"+query, nil)
	if cookieState != "" {
		req.AddCookie(&http.Cookie{Name: stateCookie, Value: cookieState})
	}
	rec := httptest.NewRecorder()
	a.CallbackHandler(rec, req)
	return rec
}

func TestCallback(t *testing.T) {
	p := newFakeProvider(t)
	a := p.staticAuthorizer()

	rec := callback(a, "code=good-code&state=s1", "s1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "at-123", body["access_token"])
	assert.Equal(t, "idt-456", body["id_token"])

	rec = callback(a, "code=good-code&state=s1", "other")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_state")

	rec = callback(a, "code=good-code&state=s1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = callback(a, "code=bad-code&state=s1", "s1")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = callback(a, "error=access_denied&state=s1", "s1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "access_denied")
}
