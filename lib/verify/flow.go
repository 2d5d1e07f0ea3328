// Package verify implements the identity verification flow: the caller
// submits personal data, proves it against the gateway identity provider and
// earns a verified session.
package verify

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/correlation"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/credential"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/gateway"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/logger"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/token"
)

// Caller-facing redirect targets.
const (
	RedirectVerified = "/credential-verified"
	RedirectInvalid  = "/invalid-credential"
)

// Failure reasons carried on the invalid-credential redirect.
const (
	ReasonNoCodeVerifier     = "no_code_verifier"
	ReasonUnsupportedScope   = "unsupported_scope"
	ReasonVerificationFailed = "identity_verification_failed"
)

// Flow is the identity verification state machine.
type Flow struct {
	cache       *correlation.Cache
	gateway     *gateway.Client
	redirectURI string
}

// NewFlow builds a verification flow. redirectURI is the absolute callback
// URL registered with the gateway.
func NewFlow(cache *correlation.Cache, gw *gateway.Client, redirectURI string) *Flow {
	return &Flow{cache: cache, gateway: gw, redirectURI: redirectURI}
}

// SessionID extracts the caller session id from a bearer token without
// verifying it; the surrounding infrastructure supplies trust.
func SessionID(authToken string) string {
	claims, err := token.ParseUnverified(authToken)
	if err != nil {
		return ""
	}
	return token.StringClaim(claims, "origin_jti")
}

// Start begins identity verification: it caches the submitted identity
// against fresh correlation keys and returns the gateway authorize URL the
// caller must be redirected to.
func (f *Flow) Start(ctx context.Context, authToken string, identity credential.Identity, clientState string) (string, error) {
	sessionID := SessionID(authToken)
	if sessionID == "" {
		return "", trace.BadParameter("token has no session id")
	}

	nonce := uuid.NewString()
	state := uuid.NewString()
	codeVerifier, codeChallenge, err := pkce()
	if err != nil {
		return "", trace.Wrap(err)
	}

	f.cache.Put(correlation.IdentityData, nonce, identity)
	f.cache.Put(correlation.UnverifiedSession, nonce, sessionID)
	f.cache.Put(correlation.CodeVerifier, state, codeVerifier)
	if clientState != "" {
		f.cache.Put(correlation.ClientState, state, clientState)
	}

	logger.Get(ctx).WithField("session_id", sessionID).Info("Identity verification started")
	return f.gateway.VerifyAuthorizeURL(nonce, state, codeChallenge), nil
}

// Complete handles the gateway callback of a verification leg and returns
// the caller-facing redirect target. It never fails: every outcome is a
// redirect.
func (f *Flow) Complete(ctx context.Context, code, scope, state string) string {
	log := logger.Get(ctx)

	cachedVerifier, ok := f.cache.Take(correlation.CodeVerifier, state)
	if !ok {
		return invalidRedirect(ReasonNoCodeVerifier)
	}
	codeVerifier, _ := cachedVerifier.(string)

	if scope != gateway.IdentityScope {
		log.WithField("scope", scope).Error("Unsupported verification scope")
		return invalidRedirect(ReasonUnsupportedScope)
	}

	claims, err := f.gateway.ExchangeCode(ctx, code, codeVerifier, f.redirectURI)
	if err != nil {
		log.WithError(err).Error("Identity token exchange failed")
		return invalidRedirect(ReasonVerificationFailed)
	}

	nonce := token.StringClaim(claims, "nonce")
	cachedIdentity, identityOK := f.cache.Take(correlation.IdentityData, nonce)
	cachedSession, sessionOK := f.cache.Take(correlation.UnverifiedSession, nonce)
	if !identityOK || !sessionOK {
		log.Error("Verification correlation entries expired")
		return invalidRedirect(ReasonVerificationFailed)
	}
	identity, _ := cachedIdentity.(credential.Identity)
	sessionID, _ := cachedSession.(string)

	if !identityMatches(identity, claims) {
		log.Error("Submitted identity does not match the verified identity")
		return invalidRedirect(ReasonVerificationFailed)
	}

	f.cache.Put(correlation.VerifiedSession, sessionID, true)
	log.WithField("session_id", sessionID).Info("Identity verified")

	target := RedirectVerified
	if cachedState, ok := f.cache.Take(correlation.ClientState, state); ok {
		values := url.Values{}
		values.Set("state", cachedState.(string))
		target += "?" + values.Encode()
	}
	return target
}

// HasVerifiedSession reports whether the caller session already passed
// identity verification.
func (f *Flow) HasVerifiedSession(authToken string) bool {
	sessionID := SessionID(authToken)
	if sessionID == "" {
		return false
	}
	_, ok := f.cache.Peek(correlation.VerifiedSession, sessionID)
	return ok
}

// identityMatches compares the gateway identity claims against the cached
// submission. Names are compared case-insensitively after trimming; the
// birth date requires exact equality.
func identityMatches(identity credential.Identity, claims map[string]interface{}) bool {
	firstName, _ := claims[credential.ClaimIdentityFirstName].(string)
	surname, _ := claims[credential.ClaimIdentitySurname].(string)
	birthDate, _ := claims[credential.ClaimIdentityBirthDate].(string)

	return normalizedEqual(identity.Forenames, firstName) &&
		normalizedEqual(identity.Surname, surname) &&
		strings.TrimSpace(birthDate) == identity.DateOfBirth.String()
}

func normalizedEqual(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func invalidRedirect(reason string) string {
	values := url.Values{}
	values.Set("reason", reason)
	return RedirectInvalid + "?" + values.Encode()
}

// pkce generates a 32-byte code verifier and its S256 challenge.
func pkce() (verifier string, challenge string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", trace.Wrap(err)
	}
	verifier = base64.RawURLEncoding.EncodeToString(raw)
	digest := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(digest[:])
	return verifier, challenge, nil
}
