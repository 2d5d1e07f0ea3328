package main

import (
	"os"
	"strings"

	"github.com/gravitational/trace"
	"github.com/pelletier/go-toml"

	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/gateway"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/httpsvc"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/ingress"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/logger"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/store"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/token"
)

// Config stores the full configuration for the credential service to run.
type Config struct {
	Gateway   gateway.Config    `toml:"gateway"`
	Signing   token.CodecConfig `toml:"signing"`
	Signature SignatureConfig   `toml:"signature"`
	HTTP      httpsvc.Config    `toml:"http"`
	Storage   store.Config      `toml:"storage"`
	AWS       ingress.Config    `toml:"aws"`
	Log       logger.Config     `toml:"log"`
}

// SignatureConfig holds the shared secret request bodies are signed with.
type SignatureConfig struct {
	Secret string `toml:"secret"`
}

const exampleConfig = `# Example credential service configuration TOML file

[gateway]
host = "gateway.example.com"                          # Credential gateway host
client-id = "xxxxxxxx"                                # Gateway client id
client-secret = "/var/lib/tis/credentials/gw_secret"  # Gateway client secret or a path to it
organisation-id = "yyyyyyyy"                          # Issuing organisation id
authorize-endpoint = "https://gateway.example.com/oidc/authorize"
par-endpoint = "https://gateway.example.com/oidc/par"
token-endpoint = "https://gateway.example.com/oidc/token"
revoke-endpoint = "https://gateway.example.com/credentials/revoke"
jwks-endpoint = "https://gateway.example.com/oidc/.well-known/jwks.json"
# token-issuers = ["other-issuer.example.com"]        # Extra trusted token issuers

[signing]
secret = "c2VjcmV0"                   # Token signing key, base64-encoded, or a path to it
audience = "https://gateway.example.com"
issuer = "https://credentials.tis.nhs.uk"

[signature]
secret = "/var/lib/tis/credentials/signature_secret"  # Request body signing secret or a path to it

[http]
listen = ":8205"                      # Network address in host:port format
# host = "credentials.example.com"    # Hostname for the redirect URLs
# base-url = "https://credentials.example.com/api"
# https-key-file = "/var/lib/tis/credentials/server.key"
# https-cert-file = "/var/lib/tis/credentials/server.crt"

[storage]
storage-dir = "/var/lib/tis/credentials/storage"      # Issued credential metadata storage

[aws]
region = "eu-west-2"
# profile = "tis"
programme-delete-queue = "https://sqs.eu-west-2.amazonaws.com/0000/programme-delete"
programme-update-queue = "https://sqs.eu-west-2.amazonaws.com/0000/programme-update"
placement-delete-queue = "https://sqs.eu-west-2.amazonaws.com/0000/placement-delete"
placement-update-queue = "https://sqs.eu-west-2.amazonaws.com/0000/placement-update"
# revocation-topic = "arn:aws:sns:eu-west-2:0000:credential-revoked"

[log]
output = "stderr" # Logger output. Could be "stdout", "stderr" or "/var/lib/tis/credentials.log"
severity = "INFO" # Logger severity. Could be "INFO", "ERROR", "DEBUG" or "WARN".
`

// LoadConfig reads the config file, initializes a new Config struct object, and returns it.
// Optionally returns an error if the file is not readable, or if file format is invalid.
func LoadConfig(filepath string) (*Config, error) {
	t, err := toml.LoadFile(filepath)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	conf := &Config{}
	if err := t.Unmarshal(conf); err != nil {
		return nil, trace.Wrap(err)
	}
	for _, secret := range []*string{&conf.Gateway.ClientSecret, &conf.Signing.Secret, &conf.Signature.Secret} {
		if err := readSecretFile(secret); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if err := conf.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return conf, nil
}

// readSecretFile replaces a secret value that looks like a path with the
// file contents.
func readSecretFile(value *string) error {
	if !strings.HasPrefix(*value, "/") {
		return nil
	}
	content, err := os.ReadFile(*value)
	if err != nil {
		return trace.Wrap(err)
	}
	*value = strings.TrimSpace(string(content))
	return nil
}

// CheckAndSetDefaults checks the config struct for any logical errors, and sets default values
// if some values are missing. Returns an error for critical values without a
// sensible default.
func (c *Config) CheckAndSetDefaults() error {
	if err := c.Gateway.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if err := c.Signing.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if c.Signature.Secret == "" {
		return trace.BadParameter("missing required value signature.secret")
	}
	if err := c.HTTP.Check(); err != nil {
		return trace.Wrap(err)
	}
	if err := c.Storage.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if err := c.AWS.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = ":8205"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stderr"
	}
	if c.Log.Severity == "" {
		c.Log.Severity = "info"
	}
	return nil
}
