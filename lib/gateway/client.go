// Package gateway speaks the wire protocol of the external credential
// gateway: pushed authorization requests, code-for-token exchange and
// credential revocation.
package gateway

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/token"
)

const gatewayMaxConns = 100
const gatewayHTTPTimeout = 10 * time.Second

// IdentityScope is the scope requested for an identity verification leg.
const IdentityScope = "openid Identity"

// Config describes the gateway endpoints and client credentials.
type Config struct {
	Host           string `toml:"host"`
	ClientID       string `toml:"client-id"`
	ClientSecret   string `toml:"client-secret"`
	OrganisationID string `toml:"organisation-id"`

	AuthorizeEndpoint string `toml:"authorize-endpoint"`
	PAREndpoint       string `toml:"par-endpoint"`
	TokenEndpoint     string `toml:"token-endpoint"`
	RevokeEndpoint    string `toml:"revoke-endpoint"`
	JWKSEndpoint      string `toml:"jwks-endpoint"`

	// TokenIssuers lists extra trusted issuer hosts for inbound tokens.
	TokenIssuers []string `toml:"token-issuers"`
}

// CheckAndSetDefaults validates the gateway config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Host == "" {
		return trace.BadParameter("missing required value gateway.host")
	}
	if c.ClientID == "" {
		return trace.BadParameter("missing required value gateway.client-id")
	}
	if c.ClientSecret == "" {
		return trace.BadParameter("missing required value gateway.client-secret")
	}
	if c.OrganisationID == "" {
		return trace.BadParameter("missing required value gateway.organisation-id")
	}
	for name, endpoint := range map[string]string{
		"authorize-endpoint": c.AuthorizeEndpoint,
		"par-endpoint":       c.PAREndpoint,
		"token-endpoint":     c.TokenEndpoint,
		"revoke-endpoint":    c.RevokeEndpoint,
		"jwks-endpoint":      c.JWKSEndpoint,
	} {
		if endpoint == "" {
			return trace.BadParameter("missing required value gateway.%s", name)
		}
	}
	return nil
}

func makeGatewayClient() *resty.Client {
	return resty.
		NewWithClient(&http.Client{
			Timeout: gatewayHTTPTimeout,
			Transport: &http.Transport{
				MaxConnsPerHost:     gatewayMaxConns,
				MaxIdleConnsPerHost: gatewayMaxConns,
			},
		}).
		SetHeader("Accept", "application/json")
}

// Client is a stateless wire client for the credential gateway.
type Client struct {
	client *resty.Client
	conf   Config
}

// NewClient builds a gateway client from its config.
func NewClient(conf Config) (*Client, error) {
	if err := conf.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{client: makeGatewayClient(), conf: conf}, nil
}

type parResponse struct {
	RequestURI string `json:"request_uri"`
}

type tokenResponse struct {
	IDToken string `json:"id_token"`
}

// PushAuthorization registers an issuance request with the gateway and
// returns the opaque request_uri to use at the authorize endpoint.
func (c *Client) PushAuthorization(ctx context.Context, idTokenHint, scope, nonce, state, redirectURI string) (string, error) {
	var result parResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"client_id":     c.conf.ClientID,
			"client_secret": c.conf.ClientSecret,
			"redirect_uri":  redirectURI,
			"scope":         scope,
			"id_token_hint": idTokenHint,
			"nonce":         nonce,
			"state":         state,
		}).
		SetResult(&result).
		Post(c.conf.PAREndpoint)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if resp.StatusCode() != http.StatusCreated || result.RequestURI == "" {
		return "", trace.ConnectionProblem(nil, "gateway par endpoint returned unexpected code %v", resp.StatusCode())
	}
	return result.RequestURI, nil
}

// ExchangeCode swaps an authorization code for the claims of the returned
// identity token. The token is parsed without verification: it arrives over
// the server-to-server channel that also authenticated the gateway.
func (c *Client) ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (jwt.MapClaims, error) {
	form := map[string]string{
		"client_id":     c.conf.ClientID,
		"client_secret": c.conf.ClientSecret,
		"redirect_uri":  redirectURI,
		"grant_type":    "authorization_code",
		"code":          code,
		"state":         uuid.NewString(),
	}
	if codeVerifier != "" {
		form["code_verifier"] = codeVerifier
	}

	var result tokenResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetFormData(form).
		SetResult(&result).
		Post(c.conf.TokenEndpoint)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !resp.IsSuccess() || result.IDToken == "" {
		return nil, trace.ConnectionProblem(nil, "gateway token endpoint returned unexpected code %v", resp.StatusCode())
	}

	claims, err := token.ParseUnverified(result.IDToken)
	return claims, trace.Wrap(err)
}

// Revoke invalidates an issued credential at the gateway.
func (c *Client) Revoke(ctx context.Context, templateName, serialNumber, reason string) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{
			"client_id":              c.conf.ClientID,
			"client_secret":          c.conf.ClientSecret,
			"OrganisationId":         c.conf.OrganisationID,
			"CredentialTemplateName": templateName,
			"SerialNumber":           serialNumber,
			"RevocationReason":       reason,
		}).
		Post(c.conf.RevokeEndpoint)
	if err != nil {
		return trace.Wrap(err)
	}
	if !resp.IsSuccess() {
		return trace.ConnectionProblem(nil, "gateway revoke endpoint returned unexpected code %v", resp.StatusCode())
	}
	return nil
}

// VerifyAuthorizeURL builds the authorize URL for an identity verification
// leg.
func (c *Client) VerifyAuthorizeURL(nonce, state, codeChallenge string) string {
	values := url.Values{}
	values.Set("nonce", nonce)
	values.Set("state", state)
	values.Set("code_challenge_method", "S256")
	values.Set("code_challenge", codeChallenge)
	values.Set("scope", IdentityScope)
	return c.conf.AuthorizeEndpoint + "?" + values.Encode()
}

// IssueAuthorizeURL builds the authorize URL for a pushed issuance request.
func (c *Client) IssueAuthorizeURL(requestURI string) string {
	values := url.Values{}
	values.Set("request_uri", requestURI)
	return c.conf.AuthorizeEndpoint + "?" + values.Encode()
}
