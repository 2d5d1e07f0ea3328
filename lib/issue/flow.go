// Package issue implements the credential issuance flow: a pushed
// authorization request carrying the signed credential data, followed by a
// token exchange whose result is persisted, unless the source record
// changed while the flow was in flight.
package issue

import (
	"context"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/correlation"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/credential"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/gateway"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/logger"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/revocation"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/store"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/token"
)

// RedirectIssued is the caller-facing redirect target of a completed
// issuance, successful or not.
const RedirectIssued = "/credential-issued"

// Error codes carried on the redirect when a fresh-looking issuance turned
// out to be stale.
const (
	ErrorStaleData        = "stale_data"
	descStaleData         = "The issued credential data was stale and has been revoked"
	ErrorUnknownFreshness = "unknown_data_freshness"
	descUnknownFreshness  = "The issued credential data could not be verified and has been revoked"
)

// claimTraineeID is the bearer-token claim carrying the trainee's upstream
// identifier.
const claimTraineeID = "custom:tisId"

// claimSerialNumber is the gateway token claim carrying the credential id.
const claimSerialNumber = "SerialNumber"

// Flow is the credential issuance state machine.
type Flow struct {
	cache       *correlation.Cache
	gateway     *gateway.Client
	codec       *token.Codec
	engine      *revocation.Engine
	store       *store.Store
	clock       clockwork.Clock
	redirectURI string
}

// NewFlow builds an issuance flow. redirectURI is the absolute callback URL
// registered with the gateway.
func NewFlow(cache *correlation.Cache, gw *gateway.Client, codec *token.Codec, engine *revocation.Engine, st *store.Store, clock clockwork.Clock, redirectURI string) *Flow {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Flow{
		cache:       cache,
		gateway:     gw,
		codec:       codec,
		engine:      engine,
		store:       st,
		clock:       clock,
		redirectURI: redirectURI,
	}
}

// Start pushes an authorization request for the credential data and returns
// the authorize URL the caller must be redirected to. An empty URL means
// the gateway declined the request.
func (f *Flow) Start(ctx context.Context, authToken string, data credential.Data, clientState string) (string, error) {
	nonce := uuid.NewString()
	state := uuid.NewString()

	traineeID := traineeID(authToken)
	if traineeID == "" {
		return "", trace.BadParameter("token has no trainee id")
	}

	f.cache.Put(correlation.CredentialData, nonce, data)
	f.cache.Put(correlation.TraineeID, state, traineeID)
	f.cache.Put(correlation.IssuanceTimestamp, state, f.clock.Now())
	if clientState != "" {
		f.cache.Put(correlation.ClientState, state, clientState)
	}

	idTokenHint, err := f.codec.Sign(data)
	if err != nil {
		return "", trace.Wrap(err)
	}

	requestURI, err := f.gateway.PushAuthorization(ctx, idTokenHint, data.CredentialType().IssuanceScope(), nonce, state, f.redirectURI)
	if err != nil {
		logger.Get(ctx).WithError(err).Error("Pushed authorization request declined")
		return "", nil
	}

	logger.Get(ctx).WithFields(logger.Fields{
		"tis_id":          data.TisID(),
		"credential_type": data.CredentialType().DisplayName(),
	}).Info("Credential issuance started")
	return f.gateway.IssueAuthorizeURL(requestURI), nil
}

// Complete handles the gateway callback of an issuance leg. Every outcome
// is a redirect; issuance failures surface as query parameters on it.
func (f *Flow) Complete(ctx context.Context, code, state, errorCode, errorDescription string) string {
	log := logger.Get(ctx)
	values := url.Values{}

	if cachedState, ok := f.cache.Take(correlation.ClientState, state); ok {
		values.Set("state", cachedState.(string))
	}
	if errorCode != "" {
		values.Set("error", errorCode)
		values.Set("error_description", errorDescription)
	}
	if errorCode != "" || code == "" {
		return redirect(values)
	}

	claims, err := f.gateway.ExchangeCode(ctx, code, "", f.redirectURI)
	if err != nil {
		// No claims means nothing to persist; the caller still gets a
		// plain redirect.
		log.WithError(err).Error("Issuance token exchange failed")
		return redirect(values)
	}

	nonce := token.StringClaim(claims, "nonce")
	credentialID := token.StringClaim(claims, claimSerialNumber)

	cachedTrainee, traineeOK := f.cache.Take(correlation.TraineeID, state)
	cachedData, dataOK := f.cache.Take(correlation.CredentialData, nonce)
	if !traineeOK || !dataOK || credentialID == "" {
		log.Error("Issuance correlation entries expired, skipping save")
		return redirect(values)
	}
	traineeID, _ := cachedTrainee.(string)
	data, _ := cachedData.(credential.Data)

	baseline := time.Time{}
	baselineKnown := false
	if cached, ok := f.cache.Take(correlation.IssuanceTimestamp, state); ok {
		baseline, _ = cached.(time.Time)
		baselineKnown = true
	}

	revoked, err := f.engine.RevokeIfStale(ctx, credentialID, data.TisID(), data.CredentialType(), baseline)
	if err != nil {
		log.WithError(err).Error("Staleness revocation failed")
	}
	if revoked {
		if baselineKnown {
			values.Set("error", ErrorStaleData)
			values.Set("error_description", descStaleData)
		} else {
			values.Set("error", ErrorUnknownFreshness)
			values.Set("error_description", descUnknownFreshness)
		}
		return redirect(values)
	}

	issuedAt, _ := token.TimeClaim(claims, "iat")
	expiresAt, _ := token.TimeClaim(claims, "exp")
	metadata := store.Metadata{
		CredentialID:   credentialID,
		TraineeID:      traineeID,
		TisID:          data.TisID(),
		CredentialType: data.CredentialType().DisplayName(),
		IssuedAt:       issuedAt,
		ExpiresAt:      expiresAt,
	}
	if err := f.store.SaveCredential(metadata); err != nil {
		log.WithError(err).Error("Failed to persist credential metadata")
		return redirect(values)
	}

	log.WithFields(logger.Fields{
		"credential_id":   credentialID,
		"tis_id":          data.TisID(),
		"credential_type": data.CredentialType().DisplayName(),
	}).Info("Credential issued")
	return redirect(values)
}

func traineeID(authToken string) string {
	claims, err := token.ParseUnverified(authToken)
	if err != nil {
		return ""
	}
	return token.StringClaim(claims, claimTraineeID)
}

func redirect(values url.Values) string {
	if len(values) == 0 {
		return RedirectIssued
	}
	return RedirectIssued + "?" + values.Encode()
}
