package main

import (
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	jsoniter "github.com/json-iterator/go"
	"github.com/julienschmidt/httprouter"
	"github.com/sethvargo/go-limiter"
	"github.com/sethvargo/go-limiter/memorystore"

	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/correlation"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/credential"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/gateway"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/httpsvc"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/issue"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/job"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/logger"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/revocation"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/store"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/token"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/verify"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// issuanceRateLimit bounds issuance starts per session per minute.
const issuanceRateLimit = 15

const claimTraineeID = "custom:tisId"

// ServerDeps collects the collaborators the HTTP surface needs.
type ServerDeps struct {
	Cache    *correlation.Cache
	Resolver *token.Resolver
	Codec    *token.Codec
	Gateway  *gateway.Client
	Store    *store.Store
	Engine   *revocation.Engine
	Clock    clockwork.Clock
}

// Server is the /api HTTP surface of the credential service.
type Server struct {
	conf Config
	deps ServerDeps

	http       *httpsvc.HTTP
	verifyFlow *verify.Flow
	issueFlow  *issue.Flow
	limiter    limiter.Store
}

// NewServer builds the server and registers its routes.
func NewServer(conf Config, deps ServerDeps) (*Server, error) {
	h, err := httpsvc.NewHTTP(conf.HTTP)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	rateLimiter, err := memorystore.New(&memorystore.Config{
		Tokens:   issuanceRateLimit,
		Interval: time.Minute,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	s := &Server{
		conf: conf,
		deps: deps,
		http: h,
		verifyFlow: verify.NewFlow(
			deps.Cache,
			deps.Gateway,
			h.NewURL("/api/verify/callback", nil).String(),
		),
		issueFlow: issue.NewFlow(
			deps.Cache,
			deps.Gateway,
			deps.Codec,
			deps.Engine,
			deps.Store,
			deps.Clock,
			h.NewURL("/api/issue/callback", nil).String(),
		),
		limiter: rateLimiter,
	}

	h.POST("/api/verify/identity", s.handleVerifyIdentity)
	h.GET("/api/verify/callback", s.handleVerifyCallback)
	h.POST("/api/issue/programme-membership", s.handleIssueStart(credential.TypeProgramme))
	h.POST("/api/issue/placement", s.handleIssueStart(credential.TypePlacement))
	h.GET("/api/issue/callback", s.handleIssueCallback)
	h.GET("/api/programme-membership", s.handleCredentials(credential.TypeProgramme))
	h.GET("/api/placement", s.handleCredentials(credential.TypePlacement))
	h.GET("/status", s.handleStatus)

	return s, nil
}

// ServiceJob returns the server's HTTP job.
func (s *Server) ServiceJob() job.ServiceJob {
	return s.http.ServiceJob()
}

// BaseURL returns the server's external base URL.
func (s *Server) BaseURL() string {
	return s.http.BaseURL().String()
}

func (s *Server) handleVerifyIdentity(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx := r.Context()

	authToken, err := bearerToken(r)
	if err != nil {
		s.respondError(w, err)
		return
	}

	payload, _, err := s.verifySignedBody(r)
	if err != nil {
		s.respondError(w, err)
		return
	}

	var identity credential.Identity
	if err := json.Unmarshal(payload, &identity); err != nil {
		s.respondError(w, trace.BadParameter("malformed identity data: %v", err))
		return
	}
	if err := identity.CheckAndSetDefaults(); err != nil {
		s.respondError(w, err)
		return
	}

	uri, err := s.verifyFlow.Start(ctx, authToken, identity, r.URL.Query().Get("state"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	http.Redirect(w, r, uri, http.StatusFound)
}

func (s *Server) handleVerifyCallback(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	query := r.URL.Query()
	target := s.verifyFlow.Complete(r.Context(), query.Get("code"), query.Get("scope"), query.Get("state"))
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) handleIssueStart(t credential.Type) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		ctx := r.Context()

		authToken, err := bearerToken(r)
		if err != nil {
			s.respondError(w, err)
			return
		}
		if !s.verifyFlow.HasVerifiedSession(authToken) {
			s.respondError(w, errNoVerifiedSession)
			return
		}
		if err := s.takeRateLimit(ctx, verify.SessionID(authToken)); err != nil {
			s.respondError(w, err)
			return
		}

		payload, signature, err := s.verifySignedBody(r)
		if err != nil {
			s.respondError(w, err)
			return
		}
		if err := s.checkFreshness(payload, t, signature); err != nil {
			s.respondError(w, err)
			return
		}

		data, err := decodeCredentialData(t, payload)
		if err != nil {
			s.respondError(w, err)
			return
		}

		uri, err := s.issueFlow.Start(ctx, authToken, data, r.URL.Query().Get("state"))
		if err != nil {
			s.respondError(w, err)
			return
		}
		if uri == "" {
			s.respondError(w, trace.ConnectionProblem(nil, "the gateway rejected the authorization request"))
			return
		}
		w.Header().Set("Location", uri)
		w.WriteHeader(http.StatusCreated)
	}
}

func (s *Server) handleIssueCallback(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	query := r.URL.Query()
	target := s.issueFlow.Complete(
		r.Context(),
		query.Get("code"),
		query.Get("state"),
		query.Get("error"),
		query.Get("error_description"),
	)
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) handleCredentials(t credential.Type) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		ctx := r.Context()

		authToken, err := bearerToken(r)
		if err != nil {
			s.respondError(w, err)
			return
		}
		claims, err := s.deps.Codec.ParseVerified(ctx, authToken, s.deps.Resolver)
		if err != nil {
			logger.Get(ctx).WithError(err).Warning("Rejecting a bearer token")
			s.respondError(w, errBadToken)
			return
		}
		traineeID := token.StringClaim(claims, claimTraineeID)
		if traineeID == "" {
			s.respondError(w, errBadToken)
			return
		}

		credentials, err := s.deps.Store.LatestCredentials(t, traineeID)
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, credentials)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": Version,
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Standard().WithError(err).Error("Failed to write a response body")
	}
}
