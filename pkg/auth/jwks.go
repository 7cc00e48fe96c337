package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/cuemby/hvorchestrator/pkg/metrics"
)

type jwksResponse struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSCache holds the current RSA public key set for one issuer. Fetches
// are single-flighted so concurrent validators never issue duplicate
// requests. On fetch failure it serves the last known-good set
// (stale-on-error); it only returns an error when no set was ever
// successfully fetched.
type JWKSCache struct {
	mu          sync.RWMutex
	keys        map[string]*rsa.PublicKey
	lastFetch   time.Time
	everFetched bool

	url    string
	ttl    time.Duration
	client *http.Client
	group  singleflight.Group
	logger zerolog.Logger
}

// NewJWKSCache builds a cache for url with the given TTL.
func NewJWKSCache(url string, ttl time.Duration, logger zerolog.Logger) *JWKSCache {
	return &JWKSCache{
		keys:   make(map[string]*rsa.PublicKey),
		url:    url,
		ttl:    ttl,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Key returns the public key for kid, refreshing the cache if it has
// expired or if kid is not present (to pick up a rotated key without
// waiting for TTL).
func (c *JWKSCache) Key(kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	expired := time.Since(c.lastFetch) >= c.ttl
	key, ok := c.keys[kid]
	everFetched := c.everFetched
	c.mu.RUnlock()

	if ok && !expired {
		return key, nil
	}

	trigger := "ttl"
	if !ok {
		trigger = "force"
	}

	if err := c.refresh(); err != nil {
		metrics.AuthJWKSRefreshesTotal.WithLabelValues(trigger, "error").Inc()
		if !everFetched {
			return nil, fmt.Errorf("%w: %s", ErrNoKeysAvailable, err)
		}
		c.logger.Warn().Err(err).Msg("JWKS refresh failed; serving stale key set")
	} else {
		metrics.AuthJWKSRefreshesTotal.WithLabelValues(trigger, "success").Inc()
	}

	c.mu.RLock()
	key, ok = c.keys[kid]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
	}
	return key, nil
}

func (c *JWKSCache) refresh() error {
	_, err, _ := c.group.Do(c.url, func() (any, error) {
		return nil, c.fetch()
	})
	return err
}

func (c *JWKSCache) fetch() error {
	resp, err := c.client.Get(c.url)
	if err != nil {
		return fmt.Errorf("fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read JWKS response: %w", err)
	}

	var parsed jwksResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("parse JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey)
	for _, k := range parsed.Keys {
		if k.Kty != "RSA" || k.Use != "sig" {
			continue
		}
		pub, err := decodeRSAPublicKey(k)
		if err != nil {
			c.logger.Warn().Err(err).Str("kid", k.Kid).Msg("skipping malformed JWKS key")
			continue
		}
		keys[k.Kid] = pub
	}

	if len(keys) == 0 {
		return fmt.Errorf("no valid RSA signing keys in JWKS response")
	}

	c.mu.Lock()
	c.keys = keys
	c.lastFetch = time.Now()
	c.everFetched = true
	c.mu.Unlock()

	c.logger.Info().Int("key_count", len(keys)).Msg("refreshed JWKS cache")
	return nil
}

func decodeRSAPublicKey(k jwk) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	var e int
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}
