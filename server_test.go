package main

import (
	"bytes"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"

	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/correlation"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/credential"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/envelope"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/gateway"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/httpsvc"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/revocation"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/store"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/token"
)

const testSignatureSecret = "envelope-secret"

// serverFixture wires a Server against a fake gateway.
type serverFixture struct {
	server *Server
	cache  *correlation.Cache
	store  *store.Store
	clock  clockwork.FakeClock

	gatewayServer *httptest.Server
	parForms      int
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	f := &serverFixture{clock: clock}

	router := httprouter.New()
	router.POST("/oidc/par", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		f.parForms++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		require.NoError(t, json.NewEncoder(w).Encode(map[string]string{"request_uri": "urn:par:request1"}))
	})
	router.GET("/oidc/jwks", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]interface{}{"keys": []interface{}{}}))
	})
	f.gatewayServer = httptest.NewServer(router)
	t.Cleanup(f.gatewayServer.Close)

	gatewayConf := gateway.Config{
		Host:              "gateway.test",
		ClientID:          "client1",
		ClientSecret:      "secret1",
		OrganisationID:    "org1",
		AuthorizeEndpoint: f.gatewayServer.URL + "/oidc/authorize",
		PAREndpoint:       f.gatewayServer.URL + "/oidc/par",
		TokenEndpoint:     f.gatewayServer.URL + "/oidc/token",
		RevokeEndpoint:    f.gatewayServer.URL + "/credentials/revoke",
		JWKSEndpoint:      f.gatewayServer.URL + "/oidc/jwks",
	}
	conf := Config{
		Gateway: gatewayConf,
		Signing: token.CodecConfig{
			Secret:   base64.StdEncoding.EncodeToString([]byte("signing-key")),
			Audience: "https://gateway.test",
			Issuer:   "https://credentials.test",
		},
		Signature: SignatureConfig{Secret: testSignatureSecret},
		HTTP:      httpsvc.Config{Listen: "localhost:0", RawBaseURL: "http://svc.test", Insecure: true},
		Storage:   store.Config{StorageDir: t.TempDir()},
	}

	resolver, err := token.NewResolver(token.ResolverConfig{
		Host:         gatewayConf.Host,
		JWKSEndpoint: gatewayConf.JWKSEndpoint,
	})
	require.NoError(t, err)
	codec, err := token.NewCodec(conf.Signing, clock)
	require.NoError(t, err)
	gw, err := gateway.NewClient(gatewayConf)
	require.NoError(t, err)
	st, err := store.NewStore(conf.Storage, clock)
	require.NoError(t, err)

	f.cache = correlation.NewCache(clock)
	f.store = st
	f.server, err = NewServer(conf, ServerDeps{
		Cache:    f.cache,
		Resolver: resolver,
		Codec:    codec,
		Gateway:  gw,
		Store:    st,
		Engine:   revocation.NewEngine(st, gw, nil, clock),
		Clock:    clock,
	})
	require.NoError(t, err)
	return f
}

func (f *serverFixture) do(t *testing.T, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	recorder := httptest.NewRecorder()
	f.server.http.ServeHTTP(recorder, req)
	return recorder
}

func (f *serverFixture) verifySession(t *testing.T, sessionID string) {
	t.Helper()
	f.cache.Put(correlation.VerifiedSession, sessionID, true)
}

func sessionToken(t *testing.T, sessionID, tisID string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"origin_jti":   sessionID,
		"custom:tisId": tisID,
	}).SignedString([]byte("user-pool-key"))
	require.NoError(t, err)
	return signed
}

func (f *serverFixture) signedPlacement(t *testing.T, data credential.PlacementData, signedAt time.Time) []byte {
	t.Helper()
	body, err := envelope.Envelope(data, testSignatureSecret, signedAt, signedAt.Add(24*time.Hour))
	require.NoError(t, err)
	return body
}

func testPlacement() credential.PlacementData {
	return credential.PlacementData{
		ID:            "PL1",
		Specialty:     "Cardiology",
		Grade:         "ST3",
		EmployingBody: "Trust1",
		Site:          "Hospital1",
		StartDate:     credential.NewDate(2024, time.January, 1),
		EndDate:       credential.NewDate(2024, time.June, 30),
	}
}

func TestIssueRequiresAuthorization(t *testing.T) {
	f := newServerFixture(t)
	resp := f.do(t, http.MethodPost, "/api/issue/placement", []byte(`{}`), nil)
	require.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestIssueRequiresVerifiedSession(t *testing.T) {
	f := newServerFixture(t)
	resp := f.do(t, http.MethodPost, "/api/issue/placement", []byte(`{}`), map[string]string{
		"Authorization": "Bearer " + sessionToken(t, "session1", "TR1"),
	})
	require.Equal(t, http.StatusUnauthorized, resp.Code)
	require.Equal(t, `IdentityVerification realm="/api/verify/identity"`, resp.Header().Get("WWW-Authenticate"))
}

func TestIssueRejectsUnsignedBody(t *testing.T) {
	f := newServerFixture(t)
	f.verifySession(t, "session1")

	resp := f.do(t, http.MethodPost, "/api/issue/placement", []byte(`{"tisId":"PL1"}`), map[string]string{
		"Authorization": "Bearer " + sessionToken(t, "session1", "TR1"),
	})
	require.Equal(t, http.StatusForbidden, resp.Code)
}

func TestIssueRejectsStaleSignature(t *testing.T) {
	f := newServerFixture(t)
	f.verifySession(t, "session1")

	signedAt := f.clock.Now().Add(-time.Hour)
	require.NoError(t, f.store.RecordModification("PL1", credential.TypePlacement, signedAt.Add(time.Minute), ""))

	resp := f.do(t, http.MethodPost, "/api/issue/placement", f.signedPlacement(t, testPlacement(), signedAt), map[string]string{
		"Authorization": "Bearer " + sessionToken(t, "session1", "TR1"),
	})
	require.Equal(t, http.StatusForbidden, resp.Code)
	require.Zero(t, f.parForms)
}

func TestIssueAcceptsFreshSignature(t *testing.T) {
	f := newServerFixture(t)
	f.verifySession(t, "session1")

	signedAt := f.clock.Now().Add(-time.Minute)
	require.NoError(t, f.store.RecordModification("PL1", credential.TypePlacement, signedAt.Add(-time.Hour), ""))

	resp := f.do(t, http.MethodPost, "/api/issue/placement", f.signedPlacement(t, testPlacement(), signedAt), map[string]string{
		"Authorization": "Bearer " + sessionToken(t, "session1", "TR1"),
	})
	require.Equal(t, http.StatusCreated, resp.Code)
	require.Contains(t, resp.Header().Get("Location"), "request_uri=")
}

func TestIssueRejectsInvalidPayload(t *testing.T) {
	f := newServerFixture(t)
	f.verifySession(t, "session1")

	incomplete := testPlacement()
	incomplete.Grade = ""
	resp := f.do(t, http.MethodPost, "/api/issue/placement", f.signedPlacement(t, incomplete, f.clock.Now()), map[string]string{
		"Authorization": "Bearer " + sessionToken(t, "session1", "TR1"),
	})
	require.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestIssueRateLimit(t *testing.T) {
	f := newServerFixture(t)
	f.verifySession(t, "session1")
	headers := map[string]string{"Authorization": "Bearer " + sessionToken(t, "session1", "TR1")}

	var last int
	for i := 0; i < issuanceRateLimit+1; i++ {
		body := f.signedPlacement(t, testPlacement(), f.clock.Now())
		last = f.do(t, http.MethodPost, "/api/issue/placement", body, headers).Code
	}
	require.Equal(t, http.StatusTooManyRequests, last)
}

func TestVerifyIdentityRedirectsToGateway(t *testing.T) {
	f := newServerFixture(t)

	identity := credential.Identity{
		Forenames:   "Janet",
		Surname:     "Bloggs",
		DateOfBirth: credential.NewDate(1990, time.March, 14),
	}
	body, err := envelope.Envelope(identity, testSignatureSecret, f.clock.Now(), f.clock.Now().Add(time.Hour))
	require.NoError(t, err)

	resp := f.do(t, http.MethodPost, "/api/verify/identity?state=caller-state", body, map[string]string{
		"Authorization": "Bearer " + sessionToken(t, "session1", "TR1"),
	})
	require.Equal(t, http.StatusFound, resp.Code)
	location := resp.Header().Get("Location")
	require.Contains(t, location, "/oidc/authorize?")
	require.Contains(t, location, "code_challenge_method=S256")
}

func TestVerifyIdentityRejectsBadEnvelope(t *testing.T) {
	f := newServerFixture(t)
	resp := f.do(t, http.MethodPost, "/api/verify/identity", []byte(`{"forenames":"Janet"}`), map[string]string{
		"Authorization": "Bearer " + sessionToken(t, "session1", "TR1"),
	})
	require.Equal(t, http.StatusForbidden, resp.Code)
}

func TestCallbacksBypassGates(t *testing.T) {
	f := newServerFixture(t)

	resp := f.do(t, http.MethodGet, "/api/verify/callback?code=c&scope=s&state=unknown", nil, nil)
	require.Equal(t, http.StatusFound, resp.Code)
	require.Contains(t, resp.Header().Get("Location"), "/invalid-credential")

	resp = f.do(t, http.MethodGet, "/api/issue/callback?error=access_denied&error_description=denied", nil, nil)
	require.Equal(t, http.StatusFound, resp.Code)
	require.Contains(t, resp.Header().Get("Location"), "/credential-issued")
}

func TestCredentialsRequireVerifiableToken(t *testing.T) {
	f := newServerFixture(t)

	resp := f.do(t, http.MethodGet, "/api/placement", nil, nil)
	require.Equal(t, http.StatusBadRequest, resp.Code)

	// An HS256 token from an untrusted issuer never verifies.
	resp = f.do(t, http.MethodGet, "/api/placement", nil, map[string]string{
		"Authorization": "Bearer " + sessionToken(t, "session1", "TR1"),
	})
	require.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestStatus(t *testing.T) {
	f := newServerFixture(t)
	resp := f.do(t, http.MethodGet, "/status", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
}
