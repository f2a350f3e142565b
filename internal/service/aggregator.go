// Package service implements the confirmation engine: protocol aggregation, cache
// reconciliation and the user-facing confirmation operations.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/and161185/guardkeeper/internal/convert"
	"github.com/and161185/guardkeeper/internal/model"
	"github.com/and161185/guardkeeper/internal/session"
	"github.com/and161185/guardkeeper/internal/steam"
)

// ProtocolClient lists and answers confirmations over one provider protocol.
type ProtocolClient interface {
	List(ctx context.Context, b model.IdentityBundle, r session.Resolved) ([]model.Confirmation, error)
	Respond(ctx context.Context, b model.IdentityBundle, r session.Resolved, id, nonce string, accept bool) (bool, error)
}

var (
	_ ProtocolClient = (*steam.LegacyClient)(nil)
	_ ProtocolClient = (*steam.SessionClient)(nil)
)

// Confirmer is the merged view over both protocols.
type Confirmer interface {
	List(ctx context.Context, b model.IdentityBundle, m model.SessionMaterial) (Listing, error)
	// ListAll may return results together with a *PartialError.
	ListAll(ctx context.Context, b model.IdentityBundle, m model.SessionMaterial) ([]model.Confirmation, error)
	Respond(ctx context.Context, b model.IdentityBundle, m model.SessionMaterial, id, nonce string, accept bool) (bool, error)
}

// Aggregator merges the legacy and session protocol clients.
type Aggregator struct {
	legacy  ProtocolClient
	session ProtocolClient
	now     func() time.Time
}

var _ Confirmer = (*Aggregator)(nil)

// NewAggregator constructs an aggregator.
func NewAggregator(legacy, sess ProtocolClient) *Aggregator {
	return &Aggregator{legacy: legacy, session: sess, now: time.Now}
}

// Listing is one aggregated read with per-protocol failures kept apart.
type Listing struct {
	Confirmations []model.Confirmation
	Failed        map[model.Protocol]error
}

// Healthy reports whether protocol p answered in this listing.
func (l Listing) Healthy(p model.Protocol) bool { return l.Failed[p] == nil }

// PartialError is returned next to a usable result when one protocol failed.
// It unwraps to the protocol error, so errors.Is(err, errs.ErrSessionExpired) works.
type PartialError struct {
	Protocol model.Protocol
	Err      error
}

func (e *PartialError) Error() string {
	return "partial listing: " + string(e.Protocol) + ": " + e.Err.Error()
}

func (e *PartialError) Unwrap() error { return e.Err }

// List queries both protocols concurrently and merges by id; on collisions the legacy entry wins.
// It fails only when legacy failed and the session protocol produced nothing.
func (a *Aggregator) List(ctx context.Context, b model.IdentityBundle, m model.SessionMaterial) (Listing, error) {
	r := session.Resolve(b, m, a.now())

	var (
		wg                 sync.WaitGroup
		legacy, sess       []model.Confirmation
		legacyErr, sessErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		legacy, legacyErr = a.legacy.List(ctx, b, r)
	}()
	go func() {
		defer wg.Done()
		sess, sessErr = a.session.List(ctx, b, r)
	}()
	wg.Wait()

	if legacyErr != nil && (sessErr != nil || len(sess) == 0) {
		return Listing{}, legacyErr
	}

	l := Listing{Failed: map[model.Protocol]error{}}
	if legacyErr != nil {
		l.Failed[model.ProtocolLegacy] = legacyErr
		legacy = nil
	}
	if sessErr != nil {
		l.Failed[model.ProtocolSession] = sessErr
		sess = nil
	}

	l.Confirmations = make([]model.Confirmation, 0, len(legacy)+len(sess))
	seen := make(map[string]struct{}, len(legacy)+len(sess))
	for _, list := range [][]model.Confirmation{legacy, sess} {
		for _, c := range list {
			if _, dup := seen[c.ID]; dup {
				continue
			}
			seen[c.ID] = struct{}{}
			l.Confirmations = append(l.Confirmations, c)
		}
	}
	return l, nil
}

// ListAll returns the merged confirmations. A masked legacy failure is dropped.
// A session protocol failure is returned as *PartialError together with the legacy results.
func (a *Aggregator) ListAll(ctx context.Context, b model.IdentityBundle, m model.SessionMaterial) ([]model.Confirmation, error) {
	l, err := a.List(ctx, b, m)
	if err != nil {
		return nil, err
	}
	if serr := l.Failed[model.ProtocolSession]; serr != nil {
		return l.Confirmations, &PartialError{Protocol: model.ProtocolSession, Err: serr}
	}
	return l.Confirmations, nil
}

// Respond routes by confirmation id namespace.
func (a *Aggregator) Respond(ctx context.Context, b model.IdentityBundle, m model.SessionMaterial, id, nonce string, accept bool) (bool, error) {
	r := session.Resolve(b, m, a.now())
	if convert.IsSessionConfirmationID(id) {
		return a.session.Respond(ctx, b, r, id, nonce, accept)
	}
	return a.legacy.Respond(ctx, b, r, id, nonce, accept)
}
