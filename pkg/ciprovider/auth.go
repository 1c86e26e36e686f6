package ciprovider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/thc1006/flakeguard-sub006/internal/apperrors"
)

// AppCredentials carries the GitHub App identity used to mint
// installation access tokens (spec.md §6.5).
type AppCredentials struct {
	AppID            int64
	PrivateKeyBase64 string
	BaseURL          string // defaults to https://api.github.com
}

func (c AppCredentials) baseURL() string {
	if c.BaseURL != "" {
		return strings.TrimSuffix(c.BaseURL, "/")
	}
	return "https://api.github.com"
}

type installationTokenEntry struct {
	token     string
	expiresAt time.Time
}

// TokenCache mints and caches GitHub App installation access tokens, one
// per installation ID, deduplicating concurrent cache-miss fetches with
// singleflight (spec.md §6.1, grounded on the metadata-cache pattern of
// a client-credentials-shaped OAuth token source).
type TokenCache struct {
	creds      AppCredentials
	httpClient *http.Client

	mu       sync.RWMutex
	tokens   map[int64]installationTokenEntry
	inflight singleflight.Group
}

// NewTokenCache constructs a TokenCache.
func NewTokenCache(creds AppCredentials, httpClient *http.Client) *TokenCache {
	return &TokenCache{
		creds:      creds,
		httpClient: httpClient,
		tokens:     make(map[int64]installationTokenEntry),
	}
}

// GetToken returns a valid installation access token for installationID,
// fetching (and caching) a new one if none is cached or the cached one
// is within 60s of expiry.
func (c *TokenCache) GetToken(ctx context.Context, installationID int64) (string, error) {
	if tok, ok := c.cached(installationID); ok {
		return tok, nil
	}

	key := fmt.Sprintf("%d", installationID)
	result, err, _ := c.inflight.Do(key, func() (any, error) {
		if tok, ok := c.cached(installationID); ok {
			return tok, nil
		}
		return c.fetchToken(ctx, installationID)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// Evict drops the cached token for installationID, forcing the next
// GetToken to mint a fresh one (called on a 401 from the GitHub API).
func (c *TokenCache) Evict(installationID int64) {
	c.mu.Lock()
	delete(c.tokens, installationID)
	c.mu.Unlock()
}

func (c *TokenCache) cached(installationID int64) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.tokens[installationID]
	if !ok || time.Now().Add(60*time.Second).After(entry.expiresAt) {
		return "", false
	}
	return entry.token, true
}

func (c *TokenCache) fetchToken(ctx context.Context, installationID int64) (string, error) {
	appJWT, err := c.signAppJWT()
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", c.creds.baseURL(), installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to build installation token request")
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeNetwork, "installation token request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", apperrors.Newf(apperrors.ErrorTypeAuth, "installation token request returned status %d", resp.StatusCode)
	}

	var body struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to decode installation token response")
	}

	c.mu.Lock()
	c.tokens[installationID] = installationTokenEntry{token: body.Token, expiresAt: body.ExpiresAt}
	c.mu.Unlock()

	return body.Token, nil
}

// signAppJWT mints a short-lived (10 minute) RS256 App JWT from the
// base64-encoded PEM private key (spec.md §6.5).
func (c *TokenCache) signAppJWT() (string, error) {
	pemBytes, err := base64.StdEncoding.DecodeString(c.creds.PrivateKeyBase64)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeValidation, "failed to decode GitHub App private key")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeValidation, "failed to parse GitHub App private key")
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
		Issuer:    fmt.Sprintf("%d", c.creds.AppID),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to sign GitHub App JWT")
	}
	return signed, nil
}
