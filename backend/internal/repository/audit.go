package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"familynet/backend/internal/constants"
	"familynet/backend/internal/docstore"
	"familynet/backend/internal/metrics"
	"familynet/backend/internal/state"
	"familynet/backend/pkg/logger"
)

// auditTimeLayout is fixed width so keys sort chronologically
const auditTimeLayout = "20060102T150405.000000000Z"

const auditPageSize = 100

// AuditRepository appends audit entries. Entries are never rewritten.
type AuditRepository struct {
	store  docstore.Store
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(store docstore.Store) *AuditRepository {
	return &AuditRepository{
		store:  store,
		logger: logger.Named("audit-repo"),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

func auditPrefix(actorID string) string {
	return actorID + "/"
}

func auditKey(e *state.AuditEntry) string {
	return auditPrefix(e.ActorAccountID) + e.Timestamp.UTC().Format(auditTimeLayout) + "/" + e.ID
}

// Append stores e, filling in its id and timestamp when unset
func (r *AuditRepository) Append(ctx context.Context, e *state.AuditEntry) error {
	if e.ID == "" {
		e.ID = r.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = r.now().UTC()
	}

	key := auditKey(e)
	errExists := fmt.Errorf("audit entry %s already exists", key)
	err := r.store.Update(ctx, constants.CollectionAuditLog, key, func(_ []byte, exists bool) ([]byte, error) {
		if exists {
			return nil, errExists
		}
		return json.Marshal(e)
	})
	return storeErr("append audit entry", err, errExists)
}

// Record appends e and logs a failure instead of returning it. The change
// being audited has already been committed when this runs.
func (r *AuditRepository) Record(ctx context.Context, e state.AuditEntry) {
	if r == nil {
		return
	}
	if err := r.Append(ctx, &e); err != nil {
		metrics.AuditWrites.WithLabelValues("failed").Inc()
		r.logger.Error("Failed to write audit entry",
			zap.String("actor_id", e.ActorAccountID),
			zap.String("action", e.Action),
			zap.String("resource_id", e.ResourceID),
			zap.Error(err),
		)
		return
	}
	metrics.AuditWrites.WithLabelValues("ok").Inc()
}

// ListByActor returns the entries actorID made, newest first. A positive
// limit keeps only the most recent entries.
func (r *AuditRepository) ListByActor(ctx context.Context, actorID string, limit int) ([]state.AuditEntry, error) {
	prefix := auditPrefix(actorID)
	out := []state.AuditEntry{}

	after := prefix
	for {
		docs, err := r.store.List(ctx, constants.CollectionAuditLog, after, auditPageSize)
		if err != nil {
			return nil, storeErr("list audit entries", err, nil)
		}
		for _, doc := range docs {
			if !strings.HasPrefix(doc.Key, prefix) {
				return newestFirst(out, limit), nil
			}
			var e state.AuditEntry
			if err := decode(doc.Body, &e); err != nil {
				return nil, err
			}
			out = append(out, e)
		}
		if len(docs) < auditPageSize {
			return newestFirst(out, limit), nil
		}
		after = docs[len(docs)-1].Key
	}
}

func newestFirst(entries []state.AuditEntry, limit int) []state.AuditEntry {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}
