// Package revocation orchestrates credential revocation, whether triggered
// by upstream mutation events or by staleness detected at issuance time.
package revocation

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/credential"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/gateway"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/logger"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/store"
)

// Revocation reasons reported to the gateway.
// maxConcurrentRevocations caps parallel gateway calls when a mutation
// invalidates several credentials at once.
const maxConcurrentRevocations = 4

const (
	ReasonModified = "The credential data has been modified"
	ReasonDeleted  = "The credential data has been deleted"
	ReasonStale    = "The credential data was stale when issued"
)

// Engine drives the revocation lifecycle: it records upstream mutations and
// revokes any issued credential they invalidate.
type Engine struct {
	store     *store.Store
	gateway   *gateway.Client
	publisher Publisher
	clock     clockwork.Clock
}

// NewEngine builds an engine. The publisher may be nil when revocation
// events have nowhere to go.
func NewEngine(st *store.Store, gw *gateway.Client, publisher Publisher, clock clockwork.Clock) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{store: st, gateway: gw, publisher: publisher, clock: clock}
}

// Revoke records an upstream mutation and revokes every non-revoked
// credential issued for the record. The modification timestamp is persisted
// even when there is nothing to revoke, so that in-flight issuances detect
// the mutation at completion time.
func (e *Engine) Revoke(ctx context.Context, tisID string, t credential.Type, at *time.Time, fingerprint, reason string) error {
	ctx, log := logger.WithFields(ctx, logger.Fields{"tis_id": tisID, "credential_type": t.DisplayName()})

	timestamp := e.clock.Now()
	if at != nil {
		timestamp = *at
	}
	if err := e.store.RecordModification(tisID, t, timestamp, fingerprint); err != nil {
		return trace.Wrap(err)
	}

	matches, err := e.store.CredentialsByEntity(t, tisID)
	if err != nil {
		return trace.Wrap(err)
	}
	if len(matches) == 0 {
		log.Info("No issued credential to revoke")
		return nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentRevocations)
	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		if _, done := seen[m.CredentialID]; done {
			continue
		}
		seen[m.CredentialID] = struct{}{}
		credentialID := m.CredentialID
		group.Go(func() error {
			return trace.Wrap(e.revokeCredential(groupCtx, credentialID, tisID, t, reason))
		})
	}
	return trace.Wrap(group.Wait())
}

// RevokeIfStale revokes a just-issued credential when the upstream record
// changed strictly after the given baseline. Equal timestamps are not
// stale.
func (e *Engine) RevokeIfStale(ctx context.Context, credentialID, tisID string, t credential.Type, since time.Time) (bool, error) {
	mod, err := e.store.LastModified(tisID, t)
	if trace.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, trace.Wrap(err)
	}
	if !mod.LastModifiedAt.After(since) {
		return false, nil
	}

	logger.Get(ctx).WithFields(logger.Fields{
		"credential_id":    credentialID,
		"last_modified_at": mod.LastModifiedAt,
		"issuance_started": since,
	}).Info("Issued credential is stale, revoking")

	if err := e.revokeCredential(ctx, credentialID, tisID, t, ReasonStale); err != nil {
		return true, trace.Wrap(err)
	}
	return true, nil
}

// revokeCredential revokes one credential at the gateway, stamps the local
// record when one exists and publishes a revocation event. Gateway failures
// propagate before any local mutation.
func (e *Engine) revokeCredential(ctx context.Context, credentialID, tisID string, t credential.Type, reason string) error {
	log := logger.Get(ctx).WithField("credential_id", credentialID)

	if err := e.gateway.Revoke(ctx, t.TemplateName(), credentialID, reason); err != nil {
		return trace.Wrap(err)
	}

	revokedAt := e.clock.Now()
	if err := e.store.MarkRevoked(credentialID, revokedAt); err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	log.Info("Credential revoked")

	if e.publisher != nil {
		event := Event{
			CredentialID:   credentialID,
			CredentialType: t.DisplayName(),
			TisID:          tisID,
			RevokedAt:      revokedAt.UTC(),
			Reason:         reason,
		}
		if err := e.publisher.Publish(ctx, event); err != nil {
			log.WithError(err).Error("Failed to publish the revocation event")
		}
	}
	return nil
}
