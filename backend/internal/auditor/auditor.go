// Package auditor finds and heals drift in the family graph.
//
// The repair pass adds missing reverse entries across the whole store; the
// dedup pass removes repeated entries from a single record. Both only add
// missing entries or drop repeats of a peer, so they are safe to run
// alongside live traffic and to re-run after a partial failure.
package auditor

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"familynet/backend/internal/constants"
	"familynet/backend/internal/identity"
	"familynet/backend/internal/metrics"
	"familynet/backend/internal/relationship"
	"familynet/backend/internal/repository"
	"familynet/backend/internal/state"
	apperrors "familynet/backend/pkg/errors"
	"familynet/backend/pkg/logger"
	"familynet/backend/pkg/retry"
)

// Options bounds a repair pass
type Options struct {
	PageSize    int // records per scan page
	MaxRecords  int // stop after scanning this many records, 0 scans all
	Concurrency int // parallel record writes
	MaxAttempts int // tries per record write
	Backoff     time.Duration
}

// Report summarises a repair pass. Repaired is for observability only.
// Divergent counts member pairs whose labels are not inverses of each other;
// those entries are reported and left as they are.
type Report struct {
	Scanned      int  `json:"scanned"`
	Repaired     int  `json:"repaired"`
	Unresolvable int  `json:"unresolvable"`
	Divergent    int  `json:"divergent"`
	Failed       int  `json:"failed"`
	Truncated    bool `json:"truncated"`
}

// repair is a reverse entry queued for a peer's record
type repair struct {
	entry      state.FamilyMember
	ownerLabel string // what the owner calls the peer
}

// divergence is an existing reverse entry whose label does not pair with the owner's
type divergence struct {
	ownerID    string
	label      string
	ownerLabel string
}

// DedupReport summarises a dedup run over many records
type DedupReport struct {
	Scanned int `json:"scanned"`
	Records int `json:"records"`
	Removed int `json:"removed"`
}

// Auditor runs the maintenance passes
type Auditor struct {
	networks *repository.NetworkRepository
	resolver identity.Resolver
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
}

// New creates an auditor
func New(networks *repository.NetworkRepository, resolver identity.Resolver, opts Options) *Auditor {
	if opts.PageSize <= 0 {
		opts.PageSize = constants.DefaultPageSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	return &Auditor{
		networks: networks,
		resolver: resolver,
		opts:     opts,
		logger:   logger.Named("auditor"),
		now:      time.Now,
	}
}

// Options returns the options the auditor runs with
func (a *Auditor) Options() Options {
	return a.opts
}

// WithOptions returns a copy of the auditor using opts for one run
func (a *Auditor) WithOptions(opts Options) *Auditor {
	cp := New(a.networks, a.resolver, opts)
	cp.logger = a.logger
	cp.now = a.now
	return cp
}

// RepairPass scans every record and appends the reverse entry wherever a
// peer's record lacks one for the owner. Repairs are grouped so each
// affected record is written once.
func (a *Auditor) RepairPass(ctx context.Context) (*Report, error) {
	start := a.now()
	report := &Report{}
	pending := make(map[string][]repair) // peer account id -> entries to add
	owners := make(map[string]*identity.Account)

	pager := a.networks.Pager(a.opts.PageSize)
scan:
	for {
		page, ok, err := pager.Next(ctx)
		if err != nil {
			metrics.RepairRuns.WithLabelValues("failed").Inc()
			return report, fmt.Errorf("failed to scan networks: %w", err)
		}
		if !ok {
			break
		}

		for i := range page {
			if a.opts.MaxRecords > 0 && report.Scanned >= a.opts.MaxRecords {
				report.Truncated = true
				break scan
			}
			report.Scanned++
			a.collect(ctx, &page[i], owners, pending, report)
		}
	}

	a.flush(ctx, pending, report)

	outcome := "ok"
	if report.Failed > 0 {
		outcome = "partial"
	}
	metrics.RepairRuns.WithLabelValues(outcome).Inc()
	metrics.RepairEdgesRepaired.Add(float64(report.Repaired))
	metrics.RepairUnresolvable.Add(float64(report.Unresolvable))
	metrics.RepairDivergent.Add(float64(report.Divergent))

	a.logger.Info("Repair pass finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("repaired", report.Repaired),
		zap.Int("unresolvable", report.Unresolvable),
		zap.Int("divergent", report.Divergent),
		zap.Int("failed", report.Failed),
		zap.Bool("truncated", report.Truncated),
		zap.Duration("took", a.now().Sub(start)),
	)
	return report, nil
}

// collect queues the reverse entry of every active member of rec
func (a *Auditor) collect(ctx context.Context, rec *state.FamilyNetworkRecord, owners map[string]*identity.Account, pending map[string][]repair, report *Report) {
	owner := rec.OwnerAccountID
	now := a.now().UTC()

	for _, m := range rec.Members {
		if m.Disabled {
			continue
		}

		peerID, err := a.peerID(ctx, owner, m)
		if err != nil {
			if apperrors.IsErrorType(err, apperrors.ErrorTypePeerUnresolvable) {
				report.Unresolvable++
				a.logger.Warn("Skipping entry with unresolvable peer",
					zap.String("owner_id", owner),
					zap.String("peer", m.PeerRef()),
					zap.Error(err),
				)
			} else {
				report.Failed++
				a.logger.Error("Failed to resolve peer",
					zap.String("owner_id", owner),
					zap.String("peer", m.PeerRef()),
					zap.Error(err),
				)
			}
			continue
		}
		if peerID == owner {
			continue
		}

		acc, err := a.owner(ctx, owner, owners)
		if err != nil {
			report.Failed++
			a.logger.Error("Failed to resolve record owner",
				zap.String("owner_id", owner),
				zap.String("peer", m.PeerRef()),
				zap.Error(err),
			)
			continue
		}

		reverse := state.FamilyMember{
			PeerAccountID:      owner,
			RelationshipLabel:  relationship.Inverse(m.RelationshipLabel),
			AccessLevel:        m.AccessLevel,
			IsEmergencyContact: m.IsEmergencyContact,
			Status:             state.MemberAccepted,
			AddedAt:            now,
			Origin:             constants.OriginRepair,
			GrantedBy:          m.GrantedBy,
		}
		if reverse.AccessLevel == "" {
			reverse.AccessLevel = state.DefaultAccessLevel
		}
		if acc != nil {
			reverse.PeerEmail = identity.NormalizeEmail(acc.Email)
			reverse.PeerDisplayName = acc.Name
		}
		if err := reverse.Validate(); err != nil {
			report.Failed++
			a.logger.Error("Skipping invalid reverse entry",
				zap.String("owner_id", owner),
				zap.String("peer", m.PeerRef()),
				zap.Error(err),
			)
			continue
		}
		pending[peerID] = append(pending[peerID], repair{entry: reverse, ownerLabel: m.RelationshipLabel})
	}
}

// owner returns the account of a record owner, cached for the pass. An
// unknown owner is cached as nil and its reverse entries are matched on id
// only. Other lookup errors are not cached so a later record can retry.
func (a *Auditor) owner(ctx context.Context, ownerID string, owners map[string]*identity.Account) (*identity.Account, error) {
	if acc, ok := owners[ownerID]; ok {
		return acc, nil
	}
	acc, err := a.resolver.Resolve(ctx, ownerID)
	switch {
	case err == nil:
	case apperrors.IsErrorType(err, apperrors.ErrorTypeNotFound):
		acc = nil
	default:
		return nil, err
	}
	owners[ownerID] = acc
	return acc, nil
}

// peerID returns the member's account id, re-resolving by email when the
// entry was added before the peer had an account
func (a *Auditor) peerID(ctx context.Context, owner string, m state.FamilyMember) (string, error) {
	if m.PeerAccountID != "" {
		return m.PeerAccountID, nil
	}
	if m.PeerEmail == "" {
		return "", apperrors.NewPeerUnresolvable(owner, m.PeerRef())
	}
	acc, err := a.resolver.Resolve(ctx, m.PeerEmail)
	if apperrors.IsErrorType(err, apperrors.ErrorTypeNotFound) {
		return "", apperrors.NewPeerUnresolvable(owner, m.PeerEmail)
	}
	if err != nil {
		return "", err
	}
	return acc.ID, nil
}

// flush writes the queued entries, one Mutate per peer record. Entries the
// record gained meanwhile are skipped by the per-peer dedup check. An entry
// the record already has under a label that does not pair with the owner's
// is counted as divergent and left alone.
func (a *Auditor) flush(ctx context.Context, pending map[string][]repair, report *Report) {
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(a.opts.Concurrency)
	divergent := make(map[string]bool) // unordered account pair

	for peerID, repairs := range pending {
		g.Go(func() error {
			added := 0
			var conflicts []divergence
			err := retry.Do(ctx, a.opts.MaxAttempts, a.opts.Backoff, func() error {
				_, err := a.networks.Mutate(ctx, peerID, func(rec *state.FamilyNetworkRecord) (bool, error) {
					added = 0
					conflicts = conflicts[:0]
					for _, r := range repairs {
						if i := rec.Find(r.entry.PeerAccountID, r.entry.PeerEmail); i >= 0 {
							existing := rec.Members[i]
							if !existing.Disabled && !relationship.AreInverse(existing.RelationshipLabel, r.ownerLabel) {
								conflicts = append(conflicts, divergence{
									ownerID:    r.entry.PeerAccountID,
									label:      existing.RelationshipLabel,
									ownerLabel: r.ownerLabel,
								})
							}
							continue
						}
						if rec.AddIfAbsent(r.entry) {
							added++
						}
					}
					return added > 0, nil
				})
				return err
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				a.logger.Error("Failed to repair record",
					zap.String("owner_id", peerID),
					zap.Int("entries", len(repairs)),
					zap.Error(err),
				)
				return nil
			}
			if added > 0 {
				report.Repaired += added
				a.logger.Info("Repaired missing reverse entries",
					zap.String("owner_id", peerID),
					zap.Int("added", added),
				)
			}
			for _, c := range conflicts {
				key := pairKey(peerID, c.ownerID)
				if divergent[key] {
					continue
				}
				divergent[key] = true
				report.Divergent++
				a.logger.Warn("Reverse entry label diverges",
					zap.String("owner_id", peerID),
					zap.String("peer", c.ownerID),
					zap.String("label", c.label),
					zap.String("peer_label", c.ownerLabel),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// DedupPass keeps the first entry per peer in ownerID's record and drops
// later repeats. Two entries name the same peer when their account ids or
// emails match. Other records are never touched.
func (a *Auditor) DedupPass(ctx context.Context, ownerID string) (int, error) {
	removed := 0
	_, err := a.networks.Mutate(ctx, ownerID, func(rec *state.FamilyNetworkRecord) (bool, error) {
		var n int
		rec.Members, n = dedup(rec.Members)
		removed = n
		return n > 0, nil
	})
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		metrics.DedupRemoved.Add(float64(removed))
		a.logger.Info("Removed duplicate entries",
			zap.String("owner_id", ownerID),
			zap.Int("removed", removed),
		)
	}
	return removed, nil
}

// DedupAll runs DedupPass on every record that has repeats
func (a *Auditor) DedupAll(ctx context.Context) (*DedupReport, error) {
	report := &DedupReport{}
	pager := a.networks.Pager(a.opts.PageSize)
	for {
		page, ok, err := pager.Next(ctx)
		if err != nil {
			return report, fmt.Errorf("failed to scan networks: %w", err)
		}
		if !ok {
			return report, nil
		}

		for _, rec := range page {
			report.Scanned++
			if _, n := dedup(append([]state.FamilyMember(nil), rec.Members...)); n == 0 {
				continue
			}
			removed, err := a.DedupPass(ctx, rec.OwnerAccountID)
			if err != nil {
				return report, err
			}
			if removed > 0 {
				report.Records++
				report.Removed += removed
			}
		}
	}
}

// dedup keeps the first entry per peer and drops any later entry that
// matches a kept one by account id or email. Name-only entries are kept.
func dedup(members []state.FamilyMember) ([]state.FamilyMember, int) {
	kept := members[:0]
	for _, m := range members {
		if m.PeerAccountID != "" || m.PeerEmail != "" {
			if slices.ContainsFunc(kept, func(k state.FamilyMember) bool {
				return k.Matches(m.PeerAccountID, m.PeerEmail)
			}) {
				continue
			}
		}
		kept = append(kept, m)
	}
	return kept, len(members) - len(kept)
}
