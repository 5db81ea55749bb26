// Package ledger owns the FamilyRequest lifecycle: pending -> accepted | declined.
package ledger

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"familynet/backend/internal/constants"
	"familynet/backend/internal/identity"
	"familynet/backend/internal/metrics"
	"familynet/backend/internal/notify"
	"familynet/backend/internal/reconciler"
	"familynet/backend/internal/relationship"
	"familynet/backend/internal/repository"
	"familynet/backend/internal/state"
	apperrors "familynet/backend/pkg/errors"
	"familynet/backend/pkg/logger"
)

// Options configures the ledger
type Options struct {
	MaxFamilyMembers int
}

// CreateInput names the recipient by email, or by name when they have no account
type CreateInput struct {
	ToEmail           string `json:"to_email"`
	ToName            string `json:"to_name"`
	RelationshipLabel string `json:"relationship_label"`
}

// RequestList is the result of ListFor
type RequestList struct {
	Sent     []state.FamilyRequest `json:"sent"`
	Received []state.FamilyRequest `json:"received"`
}

// Ledger creates and answers family requests
type Ledger struct {
	requests   *repository.RequestRepository
	networks   *repository.NetworkRepository
	resolver   identity.Resolver
	reconciler *reconciler.Reconciler
	dispatcher *notify.Dispatcher
	audit      *repository.AuditRepository
	opts       Options
	logger     *zap.Logger
	now        func() time.Time
	newID      func() string
}

// New creates a ledger
func New(
	requests *repository.RequestRepository,
	networks *repository.NetworkRepository,
	resolver identity.Resolver,
	rec *reconciler.Reconciler,
	dispatcher *notify.Dispatcher,
	audit *repository.AuditRepository,
	opts Options,
) *Ledger {
	if opts.MaxFamilyMembers <= 0 {
		opts.MaxFamilyMembers = constants.DefaultMaxFamilyMembers
	}
	return &Ledger{
		requests:   requests,
		networks:   networks,
		resolver:   resolver,
		reconciler: rec,
		dispatcher: dispatcher,
		audit:      audit,
		opts:       opts,
		logger:     logger.Named("ledger"),
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// CreateRequest records a pending request from fromAccountID and notifies the recipient
func (l *Ledger) CreateRequest(ctx context.Context, fromAccountID string, in CreateInput) (*state.FamilyRequest, error) {
	req, err := l.createRequest(ctx, fromAccountID, in)
	if err != nil {
		l.reject("create", err)
		return nil, err
	}
	return req, nil
}

func (l *Ledger) createRequest(ctx context.Context, fromAccountID string, in CreateInput) (*state.FamilyRequest, error) {
	toEmail := identity.NormalizeEmail(in.ToEmail)
	toName := strings.TrimSpace(in.ToName)
	label := strings.TrimSpace(in.RelationshipLabel)

	var missing []string
	if toEmail == "" && toName == "" {
		missing = append(missing, "to_email|to_name")
	}
	if label == "" {
		missing = append(missing, "relationship_label")
	}
	if len(missing) > 0 {
		return nil, apperrors.NewMissingFields(missing...)
	}
	label = relationship.Canonical(label)
	if !relationship.Known(label) {
		l.logger.Debug("Request uses a label outside the table", zap.String("label", label))
	}

	from, err := l.resolver.Resolve(ctx, fromAccountID)
	if err != nil {
		return nil, err
	}

	var toAccountID string
	if toEmail != "" {
		to, err := l.resolver.Resolve(ctx, toEmail)
		switch {
		case err == nil:
			toAccountID = to.ID
			if toName == "" {
				toName = to.Name
			}
		case apperrors.IsErrorType(err, apperrors.ErrorTypeNotFound):
			// Recipient has no account yet; they can answer once they register
		default:
			return nil, err
		}
	}

	if toAccountID == from.ID || (toEmail != "" && toEmail == identity.NormalizeEmail(from.Email)) {
		return nil, apperrors.NewSelfReference(from.ID)
	}

	network, err := l.networks.Get(ctx, from.ID)
	if err != nil {
		return nil, err
	}
	if connected(network, toAccountID, toEmail, toName) {
		return nil, apperrors.NewAlreadyConnected(firstNonEmpty(toEmail, toAccountID, toName))
	}
	outstanding, err := l.pendingSent(ctx, from.ID)
	if err != nil {
		return nil, err
	}
	if len(network.Active())+outstanding >= l.opts.MaxFamilyMembers {
		return nil, apperrors.NewNetworkFull(from.ID, l.opts.MaxFamilyMembers)
	}

	req := &state.FamilyRequest{
		ID:                l.newID(),
		FromAccountID:     from.ID,
		FromEmail:         identity.NormalizeEmail(from.Email),
		FromName:          from.Name,
		ToAccountID:       toAccountID,
		ToEmail:           toEmail,
		ToName:            toName,
		RelationshipLabel: label,
		Status:            state.RequestPending,
		CreatedAt:         l.now().UTC(),
	}

	fingerprint := req.Fingerprint()
	if err := l.requests.ClaimPending(ctx, fingerprint, req.ID); err != nil {
		return nil, err
	}

	// Index entries go first: an id whose document was never written is skipped on read
	if err := l.persist(ctx, req); err != nil {
		if relErr := l.requests.ReleasePending(ctx, fingerprint, req.ID); relErr != nil {
			l.logger.Warn("Failed to release pending claim",
				zap.String("request_id", req.ID),
				zap.Error(relErr),
			)
		}
		return nil, err
	}

	metrics.RequestsCreated.Inc()
	l.logger.Info("Family request created",
		zap.String("request_id", req.ID),
		zap.String("from_id", req.FromAccountID),
		zap.String("to_id", req.ToAccountID),
		zap.String("to_email", req.ToEmail),
		zap.String("label", req.RelationshipLabel),
	)

	l.dispatcher.Dispatch(notify.Notification{
		Kind:               notify.KindRequestCreated,
		RecipientAccountID: req.ToAccountID,
		RecipientEmail:     req.ToEmail,
		RecipientName:      req.ToName,
		RequestID:          req.ID,
		ActorName:          req.FromName,
		ActorEmail:         req.FromEmail,
		RelationshipLabel:  req.RelationshipLabel,
	})
	return req, nil
}

// pendingSent counts the requests accountID sent that are still unanswered.
// Each one would add an entry on acceptance, so they count toward the limit.
func (l *Ledger) pendingSent(ctx context.Context, accountID string) (int, error) {
	sentIDs, _, err := l.requests.IDsFor(ctx, accountID)
	if err != nil {
		return 0, err
	}
	pending, err := l.load(ctx, sentIDs, state.RequestPending)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

func (l *Ledger) persist(ctx context.Context, req *state.FamilyRequest) error {
	if err := l.requests.AddSent(ctx, req.FromAccountID, req.ID); err != nil {
		return err
	}
	if key := receivedIndexKey(req); key != "" {
		if err := l.requests.AddReceived(ctx, key, req.ID); err != nil {
			return err
		}
	}
	return l.requests.Create(ctx, req)
}

// Accept moves a pending request to accepted and reconciles both
// memberships. A reconciliation failure is logged and left for
// RetryReconcile or the repair pass; the accept itself still succeeds.
func (l *Ledger) Accept(ctx context.Context, requestID, actingAccountID string) (*state.FamilyRequest, error) {
	req, bound, err := l.respond(ctx, requestID, actingAccountID, state.RequestAccepted)
	if err != nil {
		l.reject("accept", err)
		return nil, err
	}

	if bound {
		// Recipient registered after the request was sent; index it under the account too
		if err := l.requests.AddReceived(ctx, req.ToAccountID, req.ID); err != nil {
			l.logger.Warn("Failed to index request under recipient account",
				zap.String("request_id", req.ID),
				zap.Error(err),
			)
		}
	}

	if _, err := l.reconciler.Reconcile(ctx, req); err != nil {
		l.logger.Error("Accepted request left unreconciled",
			zap.String("request_id", req.ID),
			zap.Error(err),
		)
	}

	l.notifySender(req, notify.KindRequestAccepted)
	return req, nil
}

// Decline moves a pending request to declined. No membership is written.
func (l *Ledger) Decline(ctx context.Context, requestID, actingAccountID string) (*state.FamilyRequest, error) {
	req, _, err := l.respond(ctx, requestID, actingAccountID, state.RequestDeclined)
	if err != nil {
		l.reject("decline", err)
		return nil, err
	}

	l.notifySender(req, notify.KindRequestDeclined)
	return req, nil
}

// respond runs the guarded transition shared by Accept and Decline. bound
// reports whether the recipient account was attached to the request by email.
func (l *Ledger) respond(ctx context.Context, requestID, actingAccountID string, to state.RequestStatus) (*state.FamilyRequest, bool, error) {
	if requestID == "" {
		return nil, false, apperrors.NewMissingFields("request_id")
	}

	acting, err := l.resolver.Resolve(ctx, actingAccountID)
	if apperrors.IsErrorType(err, apperrors.ErrorTypeNotFound) {
		return nil, false, apperrors.NewUnauthorized(actingAccountID, "unknown account")
	}
	if err != nil {
		return nil, false, err
	}

	var bound bool
	req, err := l.requests.Transition(ctx, requestID, func(req *state.FamilyRequest) error {
		bound = false
		switch {
		case req.ToAccountID != "":
			if req.ToAccountID != acting.ID {
				return apperrors.NewUnauthorized(acting.ID, "only the recipient can answer this request")
			}
		case req.ToEmail != "" && strings.EqualFold(req.ToEmail, acting.Email):
			if req.FromAccountID == acting.ID {
				return apperrors.NewSelfReference(acting.ID)
			}
			bound = true
		default:
			return apperrors.NewUnauthorized(acting.ID, "only the recipient can answer this request")
		}

		if req.Status != state.RequestPending {
			return apperrors.NewAlreadyProcessed(req.ID, string(req.Status))
		}

		if bound {
			req.ToAccountID = acting.ID
			if req.ToName == "" {
				req.ToName = acting.Name
			}
		}
		now := l.now().UTC()
		req.Status = to
		req.RespondedAt = &now
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	metrics.RequestsTransitioned.WithLabelValues(string(to)).Inc()
	l.logger.Info("Family request answered",
		zap.String("request_id", req.ID),
		zap.String("status", string(req.Status)),
		zap.String("acting_id", acting.ID),
	)

	action := constants.ActionRequestDeclined
	if to == state.RequestAccepted {
		action = constants.ActionRequestAccepted
	}
	newValues := map[string]interface{}{"status": string(req.Status)}
	if bound {
		newValues["to_account_id"] = req.ToAccountID
	}
	l.audit.Record(ctx, state.AuditEntry{
		ActorAccountID: acting.ID,
		Action:         action,
		ResourceType:   constants.ResourceFamilyRequest,
		ResourceID:     req.ID,
		OldValues:      map[string]interface{}{"status": string(state.RequestPending)},
		NewValues:      newValues,
	})

	if err := l.requests.ReleasePending(ctx, req.Fingerprint(), req.ID); err != nil {
		// A stale claim is taken over on the next create, so this only costs a lookup
		l.logger.Warn("Failed to release pending claim",
			zap.String("request_id", req.ID),
			zap.Error(err),
		)
	}
	return req, bound, nil
}

// RetryReconcile re-runs reconciliation for an accepted request
func (l *Ledger) RetryReconcile(ctx context.Context, requestID string) (reconciler.Result, error) {
	req, err := l.requests.Get(ctx, requestID)
	if err != nil {
		return reconciler.Result{}, err
	}
	if req.Status != state.RequestAccepted {
		return reconciler.Result{}, apperrors.NewBaseError(apperrors.ErrorTypeAlreadyProcessed,
			"request "+req.ID+" is "+string(req.Status)+", only accepted requests can be reconciled", nil)
	}
	return l.reconciler.Reconcile(ctx, req)
}

// Get returns a request visible to accountID: its sender or recipient
func (l *Ledger) Get(ctx context.Context, requestID, accountID string) (*state.FamilyRequest, error) {
	req, err := l.requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.FromAccountID == accountID || req.ToAccountID == accountID {
		return req, nil
	}
	if req.ToAccountID == "" && req.ToEmail != "" {
		if acc, err := l.resolver.Resolve(ctx, accountID); err == nil && strings.EqualFold(acc.Email, req.ToEmail) {
			return req, nil
		}
	}
	return nil, apperrors.NewUnauthorized(accountID, "not a party to this request")
}

// ListFor returns the requests accountID sent and received, newest first.
// An empty status returns every status.
func (l *Ledger) ListFor(ctx context.Context, accountID string, status state.RequestStatus) (*RequestList, error) {
	sentIDs, receivedIDs, err := l.requests.IDsFor(ctx, accountID)
	if err != nil {
		return nil, err
	}

	// Requests sent to the account's email before it was registered
	acc, err := l.resolver.Resolve(ctx, accountID)
	switch {
	case err == nil && acc.Email != "":
		_, byEmail, err := l.requests.IDsFor(ctx, repository.IndexKeyForEmail(identity.NormalizeEmail(acc.Email)))
		if err != nil {
			return nil, err
		}
		receivedIDs = append(receivedIDs, byEmail...)
	case err != nil && !apperrors.IsErrorType(err, apperrors.ErrorTypeNotFound):
		return nil, err
	}

	sent, err := l.load(ctx, sentIDs, status)
	if err != nil {
		return nil, err
	}
	received, err := l.load(ctx, receivedIDs, status)
	if err != nil {
		return nil, err
	}
	return &RequestList{Sent: sent, Received: received}, nil
}

func (l *Ledger) load(ctx context.Context, ids []string, status state.RequestStatus) ([]state.FamilyRequest, error) {
	seen := make(map[string]bool, len(ids))
	out := make([]state.FamilyRequest, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		req, err := l.requests.Get(ctx, id)
		if apperrors.IsErrorType(err, apperrors.ErrorTypeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if status != "" && req.Status != status {
			continue
		}
		out = append(out, *req)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (l *Ledger) notifySender(req *state.FamilyRequest, kind notify.Kind) {
	l.dispatcher.Dispatch(notify.Notification{
		Kind:               kind,
		RecipientAccountID: req.FromAccountID,
		RecipientEmail:     req.FromEmail,
		RecipientName:      req.FromName,
		RequestID:          req.ID,
		ActorName:          req.ToName,
		ActorEmail:         req.ToEmail,
		RelationshipLabel:  req.RelationshipLabel,
	})
}

func (l *Ledger) reject(op string, err error) {
	reason := "internal"
	if t, ok := apperrors.TypeOf(err); ok {
		reason = string(t)
	}
	metrics.RequestsRejected.WithLabelValues(op, reason).Inc()
	l.logger.Debug("Ledger operation rejected",
		zap.String("operation", op),
		zap.String("reason", reason),
		zap.Error(err),
	)
}

func receivedIndexKey(req *state.FamilyRequest) string {
	switch {
	case req.ToAccountID != "":
		return req.ToAccountID
	case req.ToEmail != "":
		return repository.IndexKeyForEmail(req.ToEmail)
	default:
		return ""
	}
}

// connected reports whether the record already names the recipient, disabled entries included
func connected(rec *state.FamilyNetworkRecord, toAccountID, toEmail, toName string) bool {
	if toAccountID != "" || toEmail != "" {
		return rec.Find(toAccountID, toEmail) >= 0
	}
	for _, m := range rec.Members {
		if m.PeerAccountID == "" && m.PeerEmail == "" && strings.EqualFold(m.PeerDisplayName, toName) {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
