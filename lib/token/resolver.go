package token

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gravitational/trace"
	gocache "github.com/patrickmn/go-cache"
)

const (
	// publicKeyTTL bounds how long a resolved public key is served from
	// cache before the JWKS endpoint is consulted again.
	publicKeyTTL = 24 * time.Hour

	keyCacheSweepInterval = time.Hour

	resolverTimeout = 10 * time.Second
)

// ResolverConfig describes the trusted token issuers and where to fetch
// their keys.
type ResolverConfig struct {
	// Host is the credential gateway host trusted as a token issuer.
	Host string `toml:"host"`
	// TokenIssuers lists additional trusted issuer hosts.
	TokenIssuers []string `toml:"token-issuers"`
	// JWKSEndpoint is the keyset document URL.
	JWKSEndpoint string `toml:"jwks-endpoint"`
}

// CheckAndSetDefaults validates the resolver config.
func (c *ResolverConfig) CheckAndSetDefaults() error {
	if c.Host == "" {
		return trace.BadParameter("missing required value gateway.host")
	}
	if c.JWKSEndpoint == "" {
		return trace.BadParameter("missing required value gateway.jwks-endpoint")
	}
	return nil
}

// jwk is a single key of the keyset document.
type jwk struct {
	Kid string   `json:"kid"`
	X5t string   `json:"x5t"`
	N   string   `json:"n"`
	E   string   `json:"e"`
	X5c []string `json:"x5c"`
}

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

// Resolver resolves token signing keys by key identifier, caching public
// keys fetched from the JWKS endpoint.
type Resolver struct {
	conf   ResolverConfig
	client *resty.Client
	keys   *gocache.Cache
}

// NewResolver builds a resolver from its config.
func NewResolver(conf ResolverConfig) (*Resolver, error) {
	if err := conf.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	client := resty.New().
		SetHeader("Accept", "application/json").
		SetTimeout(resolverTimeout)
	return &Resolver{
		conf:   conf,
		client: client,
		keys:   gocache.New(publicKeyTTL, keyCacheSweepInterval),
	}, nil
}

// Keyfunc adapts the resolver to the JWT parser.
func (r *Resolver) Keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(t *jwt.Token) (interface{}, error) {
		claims, _ := t.Claims.(jwt.MapClaims)
		key, err := r.Resolve(ctx, t.Header, claims)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return key, nil
	}
}

// HealthCheck fetches the keyset document once to confirm the endpoint
// is reachable.
func (r *Resolver) HealthCheck(ctx context.Context) error {
	var doc jwksDocument
	resp, err := r.client.R().
		SetContext(ctx).
		SetResult(&doc).
		Get(r.conf.JWKSEndpoint)
	if err != nil {
		return trace.Wrap(err, "fetching keyset")
	}
	if !resp.IsSuccess() {
		return trace.ConnectionProblem(nil, "keyset endpoint returned %v", resp.StatusCode())
	}
	return nil
}

// Resolve returns the public key for a parsed token's header and claims.
// Cache lookups precede network fetches; concurrent resolves of the same
// missing key may both hit the JWKS endpoint and both cache writes are
// idempotent.
func (r *Resolver) Resolve(ctx context.Context, header map[string]interface{}, claims jwt.MapClaims) (crypto.PublicKey, error) {
	id := keyIdentifier(header)
	if id == "" {
		return nil, trace.BadParameter("token has no key identifier")
	}

	if cached, ok := r.keys.Get(id); ok {
		return cached, nil
	}

	if err := r.checkIssuer(StringClaim(claims, "iss")); err != nil {
		return nil, trace.Wrap(err)
	}

	var doc jwksDocument
	resp, err := r.client.R().
		SetContext(ctx).
		SetResult(&doc).
		Get(r.conf.JWKSEndpoint)
	if err != nil {
		return nil, trace.Wrap(err, "fetching keyset")
	}
	if !resp.IsSuccess() || len(doc.Keys) == 0 {
		return nil, trace.AccessDenied("issuer %q published no keys", r.conf.JWKSEndpoint)
	}

	for _, key := range doc.Keys {
		if key.Kid != id && key.X5t != id {
			continue
		}
		public, err := buildPublicKey(key)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		r.keys.Set(id, public, gocache.DefaultExpiration)
		return public, nil
	}

	return nil, trace.BadParameter("no key %q in the issuer keyset", id)
}

// checkIssuer validates the token iss claim against the configured hosts.
func (r *Resolver) checkIssuer(issuer string) error {
	if issuer == "" {
		return trace.AccessDenied("token has no issuer")
	}
	host := issuer
	if u, err := url.Parse(issuer); err == nil && u.Host != "" {
		host = u.Host
	}
	if host == r.conf.Host {
		return nil
	}
	for _, trusted := range r.conf.TokenIssuers {
		if host == trusted || issuer == trusted {
			return nil
		}
	}
	return trace.AccessDenied("untrusted token issuer %q", issuer)
}

// keyIdentifier extracts the key id from a token header: the kid with any
// trailing algorithm name stripped, or the x5t thumbprint.
func keyIdentifier(header map[string]interface{}) string {
	if kid, _ := header["kid"].(string); kid != "" {
		fields := strings.Fields(kid)
		if len(fields) > 1 && isAlgorithm(fields[len(fields)-1]) {
			return strings.Join(fields[:len(fields)-1], " ")
		}
		return kid
	}
	x5t, _ := header["x5t"].(string)
	return x5t
}

func isAlgorithm(name string) bool {
	return jwt.GetSigningMethod(name) != nil
}

// buildPublicKey constructs a public key from a JWK: RSA modulus/exponent
// when present, otherwise the leaf certificate of the x5c chain.
func buildPublicKey(key jwk) (crypto.PublicKey, error) {
	if key.N != "" && key.E != "" {
		n, err := base64.RawURLEncoding.DecodeString(key.N)
		if err != nil {
			return nil, trace.BadParameter("invalid key modulus: %v", err)
		}
		e, err := base64.RawURLEncoding.DecodeString(key.E)
		if err != nil {
			return nil, trace.BadParameter("invalid key exponent: %v", err)
		}
		return &rsa.PublicKey{
			N: new(big.Int).SetBytes(n),
			E: int(new(big.Int).SetBytes(e).Int64()),
		}, nil
	}

	if len(key.X5c) > 0 {
		der, err := base64.StdEncoding.DecodeString(key.X5c[0])
		if err != nil {
			return nil, trace.BadParameter("invalid certificate chain: %v", err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, trace.BadParameter("invalid certificate: %v", err)
		}
		return cert.PublicKey, nil
	}

	return nil, trace.BadParameter("key carries neither modulus nor certificate chain")
}
