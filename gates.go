package main

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/tidwall/gjson"

	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/credential"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/envelope"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/token"
)

// maxBodyBytes bounds the size of a signed request body.
const maxBodyBytes = 1 * 1024 * 1024

var (
	errNoVerifiedSession = errors.New("no verified identity session")
	errBadToken          = errors.New("invalid authorization token")
	errRateLimited       = errors.New("issuance rate limit exceeded")
)

// bearerToken extracts the bearer token from the Authorization header.
func bearerToken(r *http.Request) (string, error) {
	raw := r.Header.Get("Authorization")
	if raw == "" {
		return "", trace.BadParameter("missing Authorization header")
	}
	return token.StripBearer(raw), nil
}

// verifySignedBody reads the request body and verifies its signature
// envelope, returning the enclosed payload.
func (s *Server) verifySignedBody(r *http.Request) ([]byte, envelope.Signature, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, envelope.Signature{}, trace.BadParameter("reading request body: %v", err)
	}
	payload, signature, err := envelope.Verify(body, s.conf.Signature.Secret, s.deps.Clock.Now())
	if err != nil {
		return nil, envelope.Signature{}, trace.Wrap(err)
	}
	return payload, signature, nil
}

// checkFreshness rejects a signed payload whose record was modified at or
// after the signing instant.
func (s *Server) checkFreshness(payload []byte, t credential.Type, signature envelope.Signature) error {
	tisID := gjson.GetBytes(payload, "tisId").String()
	if tisID == "" {
		return trace.BadParameter("credential data has no tisId")
	}
	modification, err := s.deps.Store.LastModified(tisID, t)
	if trace.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return trace.Wrap(err)
	}
	if !modification.LastModifiedAt.Before(signature.SignedAt) {
		return trace.AccessDenied("the signed data is older than its record")
	}
	return nil
}

// takeRateLimit consumes one rate limit token for the key.
func (s *Server) takeRateLimit(ctx context.Context, key string) error {
	if key == "" {
		key = "anonymous"
	}
	_, _, _, ok, err := s.limiter.Take(ctx, key)
	if err != nil {
		return trace.Wrap(err)
	}
	if !ok {
		return errRateLimited
	}
	return nil
}

// decodeCredentialData unmarshals a verified payload into the typed
// credential data.
func decodeCredentialData(t credential.Type, payload []byte) (credential.Data, error) {
	var data credential.Data
	switch t {
	case credential.TypeProgramme:
		var programme credential.ProgrammeData
		if err := json.Unmarshal(payload, &programme); err != nil {
			return nil, trace.BadParameter("malformed programme data: %v", err)
		}
		data = programme
	case credential.TypePlacement:
		var placement credential.PlacementData
		if err := json.Unmarshal(payload, &placement); err != nil {
			return nil, trace.BadParameter("malformed placement data: %v", err)
		}
		data = placement
	default:
		return nil, trace.BadParameter("unknown credential type %q", string(t))
	}
	if err := data.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return data, nil
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errNoVerifiedSession):
		w.Header().Set("WWW-Authenticate", `IdentityVerification realm="/api/verify/identity"`)
		http.Error(w, errNoVerifiedSession.Error(), http.StatusUnauthorized)
	case errors.Is(err, errBadToken):
		http.Error(w, errBadToken.Error(), http.StatusUnauthorized)
	case errors.Is(err, errRateLimited):
		http.Error(w, errRateLimited.Error(), http.StatusTooManyRequests)
	case trace.IsBadParameter(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case trace.IsAccessDenied(err):
		http.Error(w, err.Error(), http.StatusForbidden)
	case trace.IsNotFound(err):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
