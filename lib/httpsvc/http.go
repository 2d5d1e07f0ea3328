package httpsvc

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"

	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/job"
)

// Config describes the HTTP server settings as they appear in the
// configuration file.
type Config struct {
	Listen     string `toml:"listen"`
	KeyFile    string `toml:"https-key-file"`
	CertFile   string `toml:"https-cert-file"`
	Hostname   string `toml:"host"`
	RawBaseURL string `toml:"base-url"`

	Insecure bool
}

// HTTP is a tiny wrapper around standard net/http.
// It starts either an insecure server or a secure one with TLS, depending on
// the settings, and binds the server lifetime to a context.
type HTTP struct {
	Config
	baseURL *url.URL
	*httprouter.Router
	server http.Server
}

// BaseURL builds a base url depending on either the "base-url" or "host"
// setting.
func (conf *Config) BaseURL() (*url.URL, error) {
	if raw := conf.RawBaseURL; raw != "" {
		return url.Parse(raw)
	}
	if host := conf.Hostname; host != "" {
		scheme := "https"
		if conf.Insecure {
			scheme = "http"
		}
		return &url.URL{Scheme: scheme, Host: host}, nil
	}
	return &url.URL{}, nil
}

// Check validates the config without mutating it.
func (conf *Config) Check() error {
	if _, err := conf.BaseURL(); err != nil {
		return trace.Wrap(err)
	}
	if conf.KeyFile != "" && conf.CertFile == "" {
		return trace.BadParameter("https-cert-file is required when https-key-file is specified")
	}
	if conf.CertFile != "" && conf.KeyFile == "" {
		return trace.BadParameter("https-key-file is required when https-cert-file is specified")
	}
	return nil
}

// NewHTTP creates a new HTTP wrapper.
func NewHTTP(config Config) (*HTTP, error) {
	baseURL, err := config.BaseURL()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	router := httprouter.New()

	var tlsConfig *tls.Config
	if !config.Insecure {
		tlsConfig = &tls.Config{ClientAuth: tls.NoClientCert}
	}

	return &HTTP{
		config,
		baseURL,
		router,
		http.Server{Addr: config.Listen, Handler: router, TLSConfig: tlsConfig},
	}, nil
}

// BaseURL returns the server base URL.
func (h *HTTP) BaseURL() *url.URL {
	cp := *h.baseURL
	return &cp
}

// NewURL builds an URL relative to the server base URL.
func (h *HTTP) NewURL(subPath string, values url.Values) *url.URL {
	newURL := *h.baseURL
	newURL.Path = subPath
	if values != nil {
		newURL.RawQuery = values.Encode()
	}
	return &newURL
}

// ServiceJob returns a job running the HTTP server.
func (h *HTTP) ServiceJob() job.ServiceJob {
	var sj job.ServiceJob
	sj = job.NewServiceJob(func(ctx context.Context) error {
		sj.SetReady(true)
		return trace.Wrap(h.ListenAndServe(ctx))
	})
	return sj
}

// ListenAndServe runs a http(s) server on the configured address.
func (h *HTTP) ListenAndServe(ctx context.Context) error {
	defer log.Debug("HTTP server terminated")

	h.server.BaseContext = func(_ net.Listener) context.Context {
		return ctx
	}
	go func() {
		<-ctx.Done()
		h.server.Close()
	}()

	var err error
	if h.Insecure {
		log.Debugf("Starting insecure HTTP server on %s", h.Listen)
		err = h.server.ListenAndServe()
	} else {
		log.Debugf("Starting secure HTTPS server on %s", h.Listen)
		err = h.server.ListenAndServeTLS(h.CertFile, h.KeyFile)
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return trace.Wrap(err)
}

// Shutdown stops the server gracefully.
func (h *HTTP) Shutdown(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}

// ShutdownWithTimeout stops the server gracefully bounded by a duration.
func (h *HTTP) ShutdownWithTimeout(ctx context.Context, duration time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	return h.Shutdown(ctx)
}
