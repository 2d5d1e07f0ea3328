package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"

	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/token"
)

// fakeGateway mimics the credential gateway PAR, token and revoke endpoints.
type fakeGateway struct {
	server *httptest.Server

	parStatus    int
	parForms     []url.Values
	idToken      string
	tokenStatus  int
	revokeStatus int
	revokeBodies []map[string]string
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	f := &fakeGateway{
		parStatus:    http.StatusCreated,
		tokenStatus:  http.StatusOK,
		revokeStatus: http.StatusNoContent,
	}

	router := httprouter.New()
	router.POST("/oidc/par", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		require.NoError(t, r.ParseForm())
		f.parForms = append(f.parForms, r.PostForm)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.parStatus)
		require.NoError(t, json.NewEncoder(w).Encode(map[string]string{"request_uri": "urn:par:request1"}))
	})
	router.POST("/oidc/token", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.tokenStatus)
		require.NoError(t, json.NewEncoder(w).Encode(map[string]string{"id_token": f.idToken}))
	})
	router.POST("/credentials/revoke", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		body := map[string]string{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.revokeBodies = append(f.revokeBodies, body)
		w.WriteHeader(f.revokeStatus)
	})

	f.server = httptest.NewServer(router)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeGateway) config() Config {
	return Config{
		Host:              "gateway.test",
		ClientID:          "client1",
		ClientSecret:      "secret1",
		OrganisationID:    "org1",
		AuthorizeEndpoint: f.server.URL + "/oidc/authorize",
		PAREndpoint:       f.server.URL + "/oidc/par",
		TokenEndpoint:     f.server.URL + "/oidc/token",
		RevokeEndpoint:    f.server.URL + "/credentials/revoke",
		JWKSEndpoint:      f.server.URL + "/oidc/jwks",
	}
}

func testableIDToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("gateway-key"))
	require.NoError(t, err)
	return signed
}

func TestConfigValidation(t *testing.T) {
	fake := newFakeGateway(t)
	require.NoError(t, func() error { c := fake.config(); return c.CheckAndSetDefaults() }())

	for name, mutate := range map[string]func(*Config){
		"host":            func(c *Config) { c.Host = "" },
		"client-id":       func(c *Config) { c.ClientID = "" },
		"client-secret":   func(c *Config) { c.ClientSecret = "" },
		"organisation-id": func(c *Config) { c.OrganisationID = "" },
		"par-endpoint":    func(c *Config) { c.PAREndpoint = "" },
		"jwks-endpoint":   func(c *Config) { c.JWKSEndpoint = "" },
	} {
		conf := fake.config()
		mutate(&conf)
		require.Error(t, conf.CheckAndSetDefaults(), name)
	}
}

func TestPushAuthorization(t *testing.T) {
	fake := newFakeGateway(t)
	client, err := NewClient(fake.config())
	require.NoError(t, err)

	requestURI, err := client.PushAuthorization(context.Background(), "hint-token", "issue.TrainingPlacement", "nonce1", "state1", "https://svc.test/api/issue/callback")
	require.NoError(t, err)
	require.Equal(t, "urn:par:request1", requestURI)

	require.Len(t, fake.parForms, 1)
	form := fake.parForms[0]
	require.Equal(t, "client1", form.Get("client_id"))
	require.Equal(t, "hint-token", form.Get("id_token_hint"))
	require.Equal(t, "issue.TrainingPlacement", form.Get("scope"))
	require.Equal(t, "nonce1", form.Get("nonce"))
	require.Equal(t, "state1", form.Get("state"))
	require.Equal(t, "https://svc.test/api/issue/callback", form.Get("redirect_uri"))
}

func TestPushAuthorizationRequiresCreated(t *testing.T) {
	fake := newFakeGateway(t)
	fake.parStatus = http.StatusOK
	client, err := NewClient(fake.config())
	require.NoError(t, err)

	_, err = client.PushAuthorization(context.Background(), "hint", "scope", "n", "s", "uri")
	require.Error(t, err)
}

func TestExchangeCode(t *testing.T) {
	fake := newFakeGateway(t)
	fake.idToken = testableIDToken(t, jwt.MapClaims{
		"nonce":        "nonce1",
		"SerialNumber": "CRED-1",
	})
	client, err := NewClient(fake.config())
	require.NoError(t, err)

	claims, err := client.ExchangeCode(context.Background(), "code1", "verifier1", "https://svc.test/api/verify/callback")
	require.NoError(t, err)
	require.Equal(t, "nonce1", token.StringClaim(claims, "nonce"))
	require.Equal(t, "CRED-1", token.StringClaim(claims, "SerialNumber"))
}

func TestExchangeCodeFailure(t *testing.T) {
	fake := newFakeGateway(t)
	fake.tokenStatus = http.StatusBadRequest
	client, err := NewClient(fake.config())
	require.NoError(t, err)

	_, err = client.ExchangeCode(context.Background(), "code1", "", "uri")
	require.Error(t, err)
}

func TestRevoke(t *testing.T) {
	fake := newFakeGateway(t)
	client, err := NewClient(fake.config())
	require.NoError(t, err)

	err = client.Revoke(context.Background(), "TrainingPlacement", "CRED-1", "The credential data has been deleted")
	require.NoError(t, err)

	require.Len(t, fake.revokeBodies, 1)
	body := fake.revokeBodies[0]
	require.Equal(t, "org1", body["OrganisationId"])
	require.Equal(t, "TrainingPlacement", body["CredentialTemplateName"])
	require.Equal(t, "CRED-1", body["SerialNumber"])
	require.Equal(t, "The credential data has been deleted", body["RevocationReason"])
}

func TestRevokeFailure(t *testing.T) {
	fake := newFakeGateway(t)
	fake.revokeStatus = http.StatusInternalServerError
	client, err := NewClient(fake.config())
	require.NoError(t, err)

	err = client.Revoke(context.Background(), "TrainingPlacement", "CRED-1", "reason")
	require.Error(t, err)
}

func TestAuthorizeURLs(t *testing.T) {
	fake := newFakeGateway(t)
	client, err := NewClient(fake.config())
	require.NoError(t, err)

	verifyURL, err := url.Parse(client.VerifyAuthorizeURL("nonce1", "state1", "challenge1"))
	require.NoError(t, err)
	query := verifyURL.Query()
	require.Equal(t, "nonce1", query.Get("nonce"))
	require.Equal(t, "state1", query.Get("state"))
	require.Equal(t, "S256", query.Get("code_challenge_method"))
	require.Equal(t, "challenge1", query.Get("code_challenge"))
	require.Equal(t, IdentityScope, query.Get("scope"))

	issueURL, err := url.Parse(client.IssueAuthorizeURL("urn:par:request1"))
	require.NoError(t, err)
	require.Equal(t, "urn:par:request1", issueURL.Query().Get("request_uri"))
}
