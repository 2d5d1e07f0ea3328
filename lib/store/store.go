// Package store persists issued-credential metadata and the upstream
// modification log on a diskv key-value repository.
package store

import (
	"sort"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	jsoniter "github.com/json-iterator/go"
	"github.com/peterbourgon/diskv/v3"

	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/credential"
)

// cacheSizeMaxBytes max memory cache
const cacheSizeMaxBytes = 64 * 1024

const credentialPrefix = "credential_"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config is the storage section of the configuration file.
type Config struct {
	// StorageDir is the base directory of the store.
	StorageDir string `toml:"storage-dir"`
}

// CheckAndSetDefaults validates the storage config.
func (c *Config) CheckAndSetDefaults() error {
	if c.StorageDir == "" {
		return trace.BadParameter("missing required value storage.storage-dir")
	}
	return nil
}

// Metadata is the persisted record of an issued credential. The credential
// type is stored as its display name.
type Metadata struct {
	CredentialID   string     `json:"credentialId"`
	TraineeID      string     `json:"traineeId"`
	TisID          string     `json:"tisId"`
	CredentialType string     `json:"credentialType"`
	IssuedAt       time.Time  `json:"issuedAt"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	RevokedAt      *time.Time `json:"revokedAt,omitempty"`
}

// Revoked reports whether the credential has been revoked.
func (m Metadata) Revoked() bool {
	return m.RevokedAt != nil
}

// Store is the credential metadata and modification log repository.
type Store struct {
	dv    *diskv.Diskv
	clock clockwork.Clock
}

// NewStore opens (or creates) a store under the configured base directory.
func NewStore(conf Config, clock clockwork.Clock) (*Store, error) {
	if err := conf.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	// Simplest transform function: put all the data files into the base dir.
	flatTransform := func(s string) []string { return []string{} }

	dv := diskv.New(diskv.Options{
		BasePath:     conf.StorageDir,
		Transform:    flatTransform,
		CacheSizeMax: cacheSizeMaxBytes,
	})

	return &Store{dv: dv, clock: clock}, nil
}

// SaveCredential persists the metadata of an issued credential, keyed by
// the gateway-assigned credential id.
func (s *Store) SaveCredential(m Metadata) error {
	if m.CredentialID == "" {
		return trace.BadParameter("missing credential id")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.dv.Write(credentialPrefix+m.CredentialID, data))
}

// Credential reads one credential's metadata by id.
func (s *Store) Credential(credentialID string) (*Metadata, error) {
	key := credentialPrefix + credentialID
	if !s.dv.Has(key) {
		return nil, trace.NotFound("credential %q is not known", credentialID)
	}
	data, err := s.dv.Read(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, trace.Wrap(err)
	}
	return &m, nil
}

// MarkRevoked stamps a revocation time on a stored credential.
func (s *Store) MarkRevoked(credentialID string, at time.Time) error {
	m, err := s.Credential(credentialID)
	if err != nil {
		return trace.Wrap(err)
	}
	at = at.UTC()
	m.RevokedAt = &at
	return trace.Wrap(s.SaveCredential(*m))
}

// CredentialsByEntity returns the non-revoked credentials issued for one
// upstream record.
func (s *Store) CredentialsByEntity(t credential.Type, tisID string) ([]Metadata, error) {
	var matches []Metadata
	err := s.scanCredentials(func(m Metadata) {
		if m.CredentialType == t.DisplayName() && m.TisID == tisID && !m.Revoked() {
			matches = append(matches, m)
		}
	})
	return matches, trace.Wrap(err)
}

// LatestCredentials returns the trainee's newest non-revoked credential of
// the given type per distinct upstream record.
func (s *Store) LatestCredentials(t credential.Type, traineeID string) ([]Metadata, error) {
	latest := make(map[string]Metadata)
	var integrityErr error
	err := s.scanCredentials(func(m Metadata) {
		if m.CredentialType != t.DisplayName() || m.TraineeID != traineeID || m.Revoked() {
			return
		}
		if m.IssuedAt.IsZero() {
			integrityErr = trace.NotFound("credential %q has no issue timestamp", m.CredentialID)
			return
		}
		if prev, ok := latest[m.TisID]; !ok || m.IssuedAt.After(prev.IssuedAt) {
			latest[m.TisID] = m
		}
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if integrityErr != nil {
		return nil, integrityErr
	}

	result := make([]Metadata, 0, len(latest))
	for _, m := range latest {
		result = append(result, m)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TisID < result[j].TisID })
	return result, nil
}

func (s *Store) scanCredentials(fn func(Metadata)) error {
	cancel := make(chan struct{})
	defer close(cancel)
	for key := range s.dv.KeysPrefix(credentialPrefix, cancel) {
		data, err := s.dv.Read(key)
		if err != nil {
			return trace.Wrap(err)
		}
		var m Metadata
		if err := json.Unmarshal(data, &m); err != nil {
			return trace.Wrap(err)
		}
		fn(m)
	}
	return nil
}
