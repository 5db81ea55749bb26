// Package reconciler writes both membership entries for an accepted request.
//
// The two writes are independent: each side is a create-or-update of one
// record guarded by a per-peer dedup check, so a partial failure leaves the
// other side in place and a re-run only fills in what is missing.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"familynet/backend/internal/constants"
	"familynet/backend/internal/metrics"
	"familynet/backend/internal/relationship"
	"familynet/backend/internal/repository"
	"familynet/backend/internal/state"
	apperrors "familynet/backend/pkg/errors"
	"familynet/backend/pkg/logger"
	"familynet/backend/pkg/retry"
)

// Options tunes the per-side retry of transient store failures
type Options struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Result reports what a reconciliation wrote
type Result struct {
	SenderEntryCreated    bool
	RecipientEntryCreated bool
}

// Created returns the number of entries written
func (r Result) Created() int {
	n := 0
	if r.SenderEntryCreated {
		n++
	}
	if r.RecipientEntryCreated {
		n++
	}
	return n
}

// Reconciler creates the symmetric pair of entries for accepted requests
type Reconciler struct {
	networks *repository.NetworkRepository
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a reconciler
func New(networks *repository.NetworkRepository, opts Options) *Reconciler {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	return &Reconciler{
		networks: networks,
		opts:     opts,
		logger:   logger.Named("reconciler"),
		now:      time.Now,
	}
}

// side is one half of the relationship: whose record, and the entry to add
type side struct {
	name  string
	owner string
	entry state.FamilyMember
}

// Reconcile ensures sender and recipient each hold one entry for the other.
// It is idempotent: entries that already exist, for either peer id or
// email, are left untouched.
func (r *Reconciler) Reconcile(ctx context.Context, req *state.FamilyRequest) (Result, error) {
	var res Result

	if req.Status != state.RequestAccepted {
		return res, fmt.Errorf("cannot reconcile request %s in status %s", req.ID, req.Status)
	}
	if req.ToAccountID == "" {
		return res, apperrors.NewPeerUnresolvable(req.FromAccountID, req.RecipientRef())
	}
	if req.FromAccountID == req.ToAccountID {
		return res, apperrors.NewSelfReference(req.FromAccountID)
	}

	now := r.now().UTC()
	labelAforB := relationship.Canonical(req.RelationshipLabel)
	labelBforA := relationship.Inverse(labelAforB)

	sender := side{
		name:  "sender",
		owner: req.FromAccountID,
		entry: newEntry(req.ToAccountID, req.ToEmail, req.ToName, labelAforB, req.ID, now),
	}
	recipient := side{
		name:  "recipient",
		owner: req.ToAccountID,
		entry: newEntry(req.FromAccountID, req.FromEmail, req.FromName, labelBforA, req.ID, now),
	}
	for _, s := range []side{sender, recipient} {
		if err := s.entry.Validate(); err != nil {
			return res, fmt.Errorf("request %s has an invalid %s entry: %w", req.ID, s.name, err)
		}
	}

	// No shared context: one side failing must not cancel the other
	var g errgroup.Group
	var senderErr, recipientErr error

	g.Go(func() error {
		res.SenderEntryCreated, senderErr = r.ensure(ctx, req.ID, sender)
		return senderErr
	})
	g.Go(func() error {
		res.RecipientEntryCreated, recipientErr = r.ensure(ctx, req.ID, recipient)
		return recipientErr
	})
	_ = g.Wait()

	metrics.ReconcileEdgesCreated.Add(float64(res.Created()))

	if err := errors.Join(senderErr, recipientErr); err != nil {
		metrics.ReconcileFailures.Inc()
		r.logger.Error("Reconciliation incomplete",
			zap.String("request_id", req.ID),
			zap.Bool("sender_ok", senderErr == nil),
			zap.Bool("recipient_ok", recipientErr == nil),
			zap.Error(err),
		)
		return res, err
	}

	r.logger.Info("Request reconciled",
		zap.String("request_id", req.ID),
		zap.String("sender_id", req.FromAccountID),
		zap.String("recipient_id", req.ToAccountID),
		zap.Int("entries_created", res.Created()),
	)
	return res, nil
}

func (r *Reconciler) ensure(ctx context.Context, requestID string, s side) (bool, error) {
	var created bool
	err := retry.Do(ctx, r.opts.MaxAttempts, r.opts.Backoff, func() error {
		created = false
		_, err := r.networks.Mutate(ctx, s.owner, func(rec *state.FamilyNetworkRecord) (bool, error) {
			created = rec.AddIfAbsent(s.entry)
			return created, nil
		})
		if err != nil {
			r.logger.Warn("Edge write failed",
				zap.String("request_id", requestID),
				zap.String("side", s.name),
				zap.String("owner_id", s.owner),
				zap.Error(err),
			)
		}
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to write %s entry: %w", s.name, err)
	}
	return created, nil
}

func newEntry(peerID, peerEmail, peerName, label, requestID string, now time.Time) state.FamilyMember {
	return state.FamilyMember{
		PeerAccountID:      peerID,
		PeerEmail:          peerEmail,
		PeerDisplayName:    peerName,
		RelationshipLabel:  label,
		AccessLevel:        state.DefaultAccessLevel,
		IsEmergencyContact: false,
		Status:             state.MemberAccepted,
		AddedAt:            now,
		Origin:             constants.OriginRequest,
		GrantedBy:          requestID,
	}
}
