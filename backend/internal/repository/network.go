package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"familynet/backend/internal/constants"
	"familynet/backend/internal/docstore"
	"familynet/backend/internal/state"
	"familynet/backend/pkg/logger"
)

// MutateFunc edits a record in place and reports whether it changed.
// It may run more than once when the store retries after a concurrent write.
type MutateFunc func(rec *state.FamilyNetworkRecord) (changed bool, err error)

// NetworkRepository stores one FamilyNetworkRecord per owner account id
type NetworkRepository struct {
	store  docstore.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewNetworkRepository creates a new network repository
func NewNetworkRepository(store docstore.Store) *NetworkRepository {
	return &NetworkRepository{
		store:  store,
		logger: logger.Named("network-repo"),
		now:    time.Now,
	}
}

// Get returns the owner's record, or an empty record when none exists yet
func (r *NetworkRepository) Get(ctx context.Context, ownerID string) (*state.FamilyNetworkRecord, error) {
	doc, err := r.store.Get(ctx, constants.CollectionNetworks, ownerID)
	if errors.Is(err, docstore.ErrNotFound) {
		return &state.FamilyNetworkRecord{OwnerAccountID: ownerID, Members: []state.FamilyMember{}}, nil
	}
	if err != nil {
		return nil, storeErr("get network", err, nil)
	}

	var rec state.FamilyNetworkRecord
	if err := decode(doc.Body, &rec); err != nil {
		return nil, err
	}
	if rec.OwnerAccountID == "" {
		rec.OwnerAccountID = ownerID
	}
	return &rec, nil
}

// Mutate applies fn to the owner's record atomically, creating the record
// when absent. Nothing is written when fn reports no change. The returned
// record is the state after fn ran.
func (r *NetworkRepository) Mutate(ctx context.Context, ownerID string, fn MutateFunc) (*state.FamilyNetworkRecord, error) {
	var (
		result *state.FamilyNetworkRecord
		fnErr  error
	)

	err := r.store.Update(ctx, constants.CollectionNetworks, ownerID, func(cur []byte, exists bool) ([]byte, error) {
		rec := &state.FamilyNetworkRecord{OwnerAccountID: ownerID, Members: []state.FamilyMember{}}
		if exists {
			if err := decode(cur, rec); err != nil {
				fnErr = err
				return nil, err
			}
			rec.OwnerAccountID = ownerID
		}

		changed, err := fn(rec)
		if err != nil {
			fnErr = err
			return nil, err
		}
		result = rec
		if !changed {
			return nil, docstore.ErrNoChange
		}

		now := r.now().UTC()
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		rec.UpdatedAt = now
		return json.Marshal(rec)
	})
	if err != nil {
		return nil, storeErr("mutate network", err, fnErr)
	}
	return result, nil
}

// List returns up to limit records with owner id greater than afterOwnerID, in owner order
func (r *NetworkRepository) List(ctx context.Context, afterOwnerID string, limit int) ([]state.FamilyNetworkRecord, error) {
	recs, _, err := r.list(ctx, afterOwnerID, limit)
	return recs, err
}

// list also returns the last key scanned, which undecodable documents still advance
func (r *NetworkRepository) list(ctx context.Context, afterOwnerID string, limit int) ([]state.FamilyNetworkRecord, string, error) {
	docs, err := r.store.List(ctx, constants.CollectionNetworks, afterOwnerID, limit)
	if err != nil {
		return nil, "", storeErr("list networks", err, nil)
	}

	out := make([]state.FamilyNetworkRecord, 0, len(docs))
	last := afterOwnerID
	for _, doc := range docs {
		last = doc.Key
		var rec state.FamilyNetworkRecord
		if err := decode(doc.Body, &rec); err != nil {
			r.logger.Warn("Skipping undecodable network record",
				zap.String("owner_id", doc.Key),
				zap.Error(err),
			)
			continue
		}
		rec.OwnerAccountID = doc.Key
		out = append(out, rec)
	}
	return out, last, nil
}

// Pager walks every record page by page. A zero pageSize uses the default.
func (r *NetworkRepository) Pager(pageSize int) *NetworkPager {
	if pageSize <= 0 {
		pageSize = constants.DefaultPageSize
	}
	return &NetworkPager{repo: r, pageSize: pageSize}
}

// NetworkPager iterates over network records in owner order
type NetworkPager struct {
	repo     *NetworkRepository
	pageSize int
	after    string
	done     bool
}

// Next returns the next page. ok is false once the store is exhausted.
func (p *NetworkPager) Next(ctx context.Context) (page []state.FamilyNetworkRecord, ok bool, err error) {
	if p.done {
		return nil, false, nil
	}
	recs, last, err := p.repo.list(ctx, p.after, p.pageSize)
	if err != nil {
		return nil, false, err
	}
	if last == p.after {
		p.done = true
		return nil, false, nil
	}
	p.after = last
	return recs, true, nil
}
