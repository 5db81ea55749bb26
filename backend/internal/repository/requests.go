package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"familynet/backend/internal/constants"
	"familynet/backend/internal/docstore"
	"familynet/backend/internal/state"
	apperrors "familynet/backend/pkg/errors"
	"familynet/backend/pkg/logger"
)

const maxClaimAttempts = 8

// claimGrace is how long a claim whose request document is not written yet
// still blocks duplicates. Creation writes the document right after claiming.
const claimGrace = time.Minute

var errClaimMoved = errors.New("pending claim changed")

// requestIndex lists the request ids an account sent and received, oldest first
type requestIndex struct {
	Sent     []string `json:"sent"`
	Received []string `json:"received"`
}

// pendingClaim records which request holds a fingerprint
type pendingClaim struct {
	RequestID string    `json:"request_id"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// RequestRepository stores FamilyRequest documents and their lookup indexes
type RequestRepository struct {
	store  docstore.Store
	logger *zap.Logger
}

// NewRequestRepository creates a new request repository
func NewRequestRepository(store docstore.Store) *RequestRepository {
	return &RequestRepository{
		store:  store,
		logger: logger.Named("request-repo"),
	}
}

// IndexKeyForEmail is the index key used for recipients that have no account yet
func IndexKeyForEmail(email string) string {
	return constants.EmailIndexPrefix + email
}

// Create stores a new request. It fails if the id is already taken.
func (r *RequestRepository) Create(ctx context.Context, req *state.FamilyRequest) error {
	errExists := fmt.Errorf("request %s already exists", req.ID)

	err := r.store.Update(ctx, constants.CollectionRequests, req.ID, func(_ []byte, exists bool) ([]byte, error) {
		if exists {
			return nil, errExists
		}
		return json.Marshal(req)
	})
	return storeErr("create request", err, errExists)
}

// Get loads a request by id
func (r *RequestRepository) Get(ctx context.Context, id string) (*state.FamilyRequest, error) {
	doc, err := r.store.Get(ctx, constants.CollectionRequests, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, apperrors.NewNotFound("request", id)
	}
	if err != nil {
		return nil, storeErr("get request", err, nil)
	}

	var req state.FamilyRequest
	if err := decode(doc.Body, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// Transition applies fn to the request atomically. fn validates the current
// state and edits the request in place; its error aborts the write and is
// returned as is. The updated request is returned.
func (r *RequestRepository) Transition(ctx context.Context, id string, fn func(req *state.FamilyRequest) error) (*state.FamilyRequest, error) {
	var (
		result *state.FamilyRequest
		fnErr  error
	)

	err := r.store.Update(ctx, constants.CollectionRequests, id, func(cur []byte, exists bool) ([]byte, error) {
		if !exists {
			fnErr = apperrors.NewNotFound("request", id)
			return nil, fnErr
		}
		var req state.FamilyRequest
		if err := decode(cur, &req); err != nil {
			fnErr = err
			return nil, err
		}
		if err := fn(&req); err != nil {
			fnErr = err
			return nil, err
		}
		result = &req
		return json.Marshal(&req)
	})
	if err != nil {
		return nil, storeErr("transition request", err, fnErr)
	}
	return result, nil
}

// AddSent appends id to the account's sent list
func (r *RequestRepository) AddSent(ctx context.Context, indexKey, id string) error {
	return r.updateIndex(ctx, indexKey, func(idx *requestIndex) bool {
		return appendUnique(&idx.Sent, id)
	})
}

// AddReceived appends id to the received list of an account id or email index key
func (r *RequestRepository) AddReceived(ctx context.Context, indexKey, id string) error {
	return r.updateIndex(ctx, indexKey, func(idx *requestIndex) bool {
		return appendUnique(&idx.Received, id)
	})
}

// IDsFor returns the sent and received request ids stored under indexKey
func (r *RequestRepository) IDsFor(ctx context.Context, indexKey string) (sent, received []string, err error) {
	doc, err := r.store.Get(ctx, constants.CollectionRequestIndex, indexKey)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, storeErr("get request index", err, nil)
	}

	var idx requestIndex
	if err := decode(doc.Body, &idx); err != nil {
		return nil, nil, err
	}
	return idx.Sent, idx.Received, nil
}

func (r *RequestRepository) updateIndex(ctx context.Context, indexKey string, fn func(idx *requestIndex) bool) error {
	var fnErr error
	err := r.store.Update(ctx, constants.CollectionRequestIndex, indexKey, func(cur []byte, exists bool) ([]byte, error) {
		var idx requestIndex
		if exists {
			if err := decode(cur, &idx); err != nil {
				fnErr = err
				return nil, err
			}
		}
		if !fn(&idx) {
			return nil, docstore.ErrNoChange
		}
		return json.Marshal(&idx)
	})
	return storeErr("update request index", err, fnErr)
}

// ClaimPending reserves fingerprint for requestID. If another request still
// pending holds it, DuplicatePending is returned. Claims left by requests
// that have since been answered are taken over.
func (r *RequestRepository) ClaimPending(ctx context.Context, fingerprint, requestID string) error {
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		current, err := r.claim(ctx, fingerprint)
		if err != nil {
			return err
		}
		holder := current.RequestID

		if holder != "" && holder != requestID {
			held, err := r.Get(ctx, holder)
			switch {
			case err == nil && held.Status == state.RequestPending:
				return apperrors.NewDuplicatePending(holder)
			case apperrors.IsErrorType(err, apperrors.ErrorTypeNotFound):
				if time.Since(current.ClaimedAt) < claimGrace {
					return apperrors.NewDuplicatePending(holder)
				}
			case err != nil:
				return err
			}
			r.logger.Debug("Taking over stale pending claim",
				zap.String("fingerprint", fingerprint),
				zap.String("stale_request_id", holder),
			)
		}

		// The holder is re-checked under the write so a concurrent claim wins cleanly
		var fnErr error
		err = r.store.Update(ctx, constants.CollectionPendingIndex, fingerprint, func(cur []byte, exists bool) ([]byte, error) {
			var claim pendingClaim
			if exists {
				if err := decode(cur, &claim); err != nil {
					fnErr = err
					return nil, err
				}
			}
			if claim.RequestID != holder {
				fnErr = errClaimMoved
				return nil, fnErr
			}
			return json.Marshal(pendingClaim{RequestID: requestID, ClaimedAt: time.Now().UTC()})
		})
		if errors.Is(err, errClaimMoved) {
			continue
		}
		return storeErr("claim pending", err, fnErr)
	}
	return apperrors.NewStoreUnavailable("claim pending", fmt.Errorf("fingerprint %q is contended", fingerprint))
}

func (r *RequestRepository) claim(ctx context.Context, fingerprint string) (pendingClaim, error) {
	var claim pendingClaim
	doc, err := r.store.Get(ctx, constants.CollectionPendingIndex, fingerprint)
	if errors.Is(err, docstore.ErrNotFound) {
		return claim, nil
	}
	if err != nil {
		return claim, storeErr("get pending claim", err, nil)
	}
	if err := decode(doc.Body, &claim); err != nil {
		return claim, err
	}
	return claim, nil
}

// ReleasePending clears the claim on fingerprint if requestID still holds it
func (r *RequestRepository) ReleasePending(ctx context.Context, fingerprint, requestID string) error {
	var fnErr error
	err := r.store.Update(ctx, constants.CollectionPendingIndex, fingerprint, func(cur []byte, exists bool) ([]byte, error) {
		if !exists {
			return nil, docstore.ErrNoChange
		}
		var claim pendingClaim
		if err := decode(cur, &claim); err != nil {
			fnErr = err
			return nil, err
		}
		if claim.RequestID != requestID {
			return nil, docstore.ErrNoChange
		}
		return json.Marshal(pendingClaim{})
	})
	return storeErr("release pending", err, fnErr)
}

func appendUnique(list *[]string, id string) bool {
	for _, existing := range *list {
		if existing == id {
			return false
		}
	}
	*list = append(*list, id)
	return true
}
