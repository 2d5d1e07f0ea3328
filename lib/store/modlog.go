package store

import (
	"time"

	"github.com/gravitational/trace"

	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/credential"
)

const modificationPrefix = "modification_"

// Modification records the last known upstream mutation of one record, per
// credential type. New writes replace older ones for the same key.
type Modification struct {
	TisID          string    `json:"tisId"`
	CredentialType string    `json:"credentialType"`
	LastModifiedAt time.Time `json:"lastModifiedAt"`
	// Fingerprint is the MD5 content fingerprint attached by update
	// events. It does not currently gate revocation.
	Fingerprint string `json:"fingerprint,omitempty"`
}

func modificationKey(tisID string, t credential.Type) string {
	return modificationPrefix + string(t) + "_" + tisID
}

// RecordModification upserts the modification log entry for a record.
func (s *Store) RecordModification(tisID string, t credential.Type, at time.Time, fingerprint string) error {
	m := Modification{
		TisID:          tisID,
		CredentialType: string(t),
		LastModifiedAt: at.UTC(),
		Fingerprint:    fingerprint,
	}
	data, err := json.Marshal(m)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.dv.Write(modificationKey(tisID, t), data))
}

// LastModified reads the modification log entry for a record.
func (s *Store) LastModified(tisID string, t credential.Type) (*Modification, error) {
	key := modificationKey(tisID, t)
	if !s.dv.Has(key) {
		return nil, trace.NotFound("no modification recorded for %v %q", t, tisID)
	}
	data, err := s.dv.Read(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var m Modification
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, trace.Wrap(err)
	}
	return &m, nil
}
