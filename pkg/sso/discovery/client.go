// Package discovery fetches and caches OIDC provider metadata and signing
// keys. The cache is read-mostly: concurrent readers use the cached value
// while at most one in-flight refresh per cache key hits the network;
// callers that miss together coalesce onto the same fetch.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/sync/singleflight"

	"github.com/vaultwarden/vwsso/pkg/logger"
	"github.com/vaultwarden/vwsso/pkg/networking"
)

// ErrDiscovery wraps network and parse failures while talking to the
// provider's discovery or JWKS endpoints. The caller decides whether to
// retry; the client never retries on its own.
var ErrDiscovery = errors.New("provider discovery failed")

// Client fetches and caches provider metadata and JWKS documents.
// A TTL of zero disables caching entirely.
type Client struct {
	httpClient networking.HTTPClient
	ttl        time.Duration
	now        func() time.Time

	mu       sync.RWMutex
	metadata map[string]*metadataEntry
	keySets  map[string]*keySetEntry
	// jwksByIssuer remembers which JWKS URI each issuer's metadata named,
	// so Invalidate(issuer) can drop both entries.
	jwksByIssuer map[string]string

	group singleflight.Group
}

type metadataEntry struct {
	doc       *ProviderMetadata
	fetchedAt time.Time
}

type keySetEntry struct {
	set       jwk.Set
	fetchedAt time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client networking.HTTPClient) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithClock sets a custom time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// NewClient creates a discovery client with the given cache TTL.
func NewClient(ttl time.Duration, opts ...Option) *Client {
	c := &Client{
		httpClient:   networking.DefaultClient(),
		ttl:          ttl,
		now:          time.Now,
		metadata:     make(map[string]*metadataEntry),
		keySets:      make(map[string]*keySetEntry),
		jwksByIssuer: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetMetadata returns the provider metadata for the issuer, from cache when
// fresh, fetching otherwise.
func (c *Client) GetMetadata(ctx context.Context, issuer string) (*ProviderMetadata, error) {
	if c.ttl > 0 {
		c.mu.RLock()
		entry, ok := c.metadata[issuer]
		c.mu.RUnlock()
		if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
			return entry.doc, nil
		}
	}

	v, err, _ := c.group.Do("metadata:"+issuer, func() (any, error) {
		// Re-check under the flight: a concurrent caller may have
		// refreshed the entry while this one waited for the group.
		if c.ttl > 0 {
			c.mu.RLock()
			entry, ok := c.metadata[issuer]
			c.mu.RUnlock()
			if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
				return entry.doc, nil
			}
		}

		doc, err := c.fetchMetadata(ctx, issuer)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.metadata[issuer] = &metadataEntry{doc: doc, fetchedAt: c.now()}
		c.jwksByIssuer[issuer] = doc.JWKSURI
		c.mu.Unlock()

		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ProviderMetadata), nil
}

// GetSigningKeys returns the JWKS at jwksURI, from cache when fresh.
func (c *Client) GetSigningKeys(ctx context.Context, jwksURI string) (jwk.Set, error) {
	if c.ttl > 0 {
		c.mu.RLock()
		entry, ok := c.keySets[jwksURI]
		c.mu.RUnlock()
		if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
			return entry.set, nil
		}
	}

	v, err, _ := c.group.Do("jwks:"+jwksURI, func() (any, error) {
		if c.ttl > 0 {
			c.mu.RLock()
			entry, ok := c.keySets[jwksURI]
			c.mu.RUnlock()
			if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
				return entry.set, nil
			}
		}

		set, err := c.fetchKeySet(ctx, jwksURI)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.keySets[jwksURI] = &keySetEntry{set: set, fetchedAt: c.now()}
		c.mu.Unlock()

		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(jwk.Set), nil
}

// Invalidate forces the next GetMetadata and GetSigningKeys call for the
// issuer to re-fetch. Called by the token exchange when ID-token
// validation fails, so a rotated or misconfigured key set self-heals at
// the cost of one extra round trip.
func (c *Client) Invalidate(issuer string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.metadata, issuer)
	if jwksURI, ok := c.jwksByIssuer[issuer]; ok {
		delete(c.keySets, jwksURI)
		delete(c.jwksByIssuer, issuer)
	}

	logger.Debugw("discovery cache invalidated", "issuer", issuer)
}

func (c *Client) fetchMetadata(ctx context.Context, issuer string) (*ProviderMetadata, error) {
	discoveryURL := strings.TrimSuffix(issuer, "/") + WellKnownOIDCPath

	logger.Debugw("fetching discovery document", "url", discoveryURL)

	body, err := c.getJSON(ctx, discoveryURL)
	if err != nil {
		return nil, err
	}

	var doc ProviderMetadata
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: parsing discovery document: %w", ErrDiscovery, err)
	}

	if err := doc.Validate(issuer); err != nil {
		return nil, fmt.Errorf("%w: invalid discovery document: %w", ErrDiscovery, err)
	}

	return &doc, nil
}

func (c *Client) fetchKeySet(ctx context.Context, jwksURI string) (jwk.Set, error) {
	logger.Debugw("fetching JWKS", "url", jwksURI)

	body, err := c.getJSON(ctx, jwksURI)
	if err != nil {
		return nil, err
	}

	set, err := jwk.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing JWKS: %w", ErrDiscovery, err)
	}

	return set, nil
}

func (c *Client) getJSON(ctx context.Context, urlStr string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %w", ErrDiscovery, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %w", ErrDiscovery, urlStr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: HTTP %d", ErrDiscovery, urlStr, resp.StatusCode)
	}

	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.Contains(ct, "application/json") {
		return nil, fmt.Errorf("%w: %s: unexpected content-type %q", ErrDiscovery, urlStr, ct)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, networking.MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrDiscovery, urlStr, err)
	}

	return body, nil
}
