// Package network is the owner-facing read and write surface of a family
// network record. Every write touches the caller's own record only: the
// mirrored entry in the peer's record is never changed, so access levels
// may differ between the two sides.
package network

import (
	"context"
	"time"

	"go.uber.org/zap"

	"familynet/backend/internal/constants"
	"familynet/backend/internal/repository"
	"familynet/backend/internal/state"
	apperrors "familynet/backend/pkg/errors"
	"familynet/backend/pkg/logger"
)

// MemberView is a membership entry with the permissions its level grants
type MemberView struct {
	state.FamilyMember
	Permissions state.Permissions `json:"permissions"`
}

func viewOf(m state.FamilyMember) MemberView {
	return MemberView{FamilyMember: m, Permissions: m.AccessLevel.Permissions()}
}

// Service manages membership entries
type Service struct {
	networks *repository.NetworkRepository
	audit    *repository.AuditRepository
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a membership service. Changes are written to audit when it is non-nil.
func New(networks *repository.NetworkRepository, audit *repository.AuditRepository) *Service {
	return &Service{
		networks: networks,
		audit:    audit,
		logger:   logger.Named("network"),
		now:      time.Now,
	}
}

// ListNetwork returns the account's entries in record order. Disabled
// entries are hidden unless includeDisabled is set.
func (s *Service) ListNetwork(ctx context.Context, accountID string, includeDisabled bool) ([]MemberView, error) {
	if accountID == "" {
		return nil, apperrors.NewMissingFields("account_id")
	}

	rec, err := s.networks.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}

	out := make([]MemberView, 0, len(rec.Members))
	for _, m := range rec.Members {
		if m.Disabled && !includeDisabled {
			continue
		}
		out = append(out, viewOf(m))
	}
	return out, nil
}

// SetAccessLevel changes what the peer may see of the account's data
func (s *Service) SetAccessLevel(ctx context.Context, accountID, peerKey, level string) (*MemberView, error) {
	parsed, ok := state.ParseAccessLevel(level)
	if !ok {
		return nil, apperrors.NewInvalidAccessLevel(level)
	}

	ch, err := s.update(ctx, accountID, peerKey, false, func(m *state.FamilyMember) bool {
		if m.AccessLevel == parsed {
			return false
		}
		m.AccessLevel = parsed
		return true
	})
	if err != nil {
		return nil, err
	}

	if ch.changed {
		s.logger.Info("Access level changed",
			zap.String("owner_id", accountID),
			zap.String("peer", peerKey),
			zap.String("access_level", string(parsed)),
		)
		s.record(ctx, accountID, constants.ActionAccessLevelChanged, ch,
			"access_level", string(ch.before.AccessLevel), string(ch.after.AccessLevel))
	}
	view := viewOf(ch.after)
	return &view, nil
}

// SetEmergencyContact flags or unflags the peer as an emergency contact
func (s *Service) SetEmergencyContact(ctx context.Context, accountID, peerKey string, on bool) (*MemberView, error) {
	ch, err := s.update(ctx, accountID, peerKey, false, func(m *state.FamilyMember) bool {
		if m.IsEmergencyContact == on {
			return false
		}
		m.IsEmergencyContact = on
		return true
	})
	if err != nil {
		return nil, err
	}

	if ch.changed {
		s.record(ctx, accountID, constants.ActionEmergencyChanged, ch,
			"is_emergency_contact", ch.before.IsEmergencyContact, ch.after.IsEmergencyContact)
	}
	view := viewOf(ch.after)
	return &view, nil
}

// DisableMember soft-deletes the entry. The peer's record keeps its entry.
func (s *Service) DisableMember(ctx context.Context, accountID, peerKey string) error {
	now := s.now().UTC()
	ch, err := s.update(ctx, accountID, peerKey, true, func(m *state.FamilyMember) bool {
		if m.Disabled {
			return false
		}
		m.Disabled = true
		m.DisabledAt = &now
		return true
	})
	if err != nil {
		return err
	}

	if ch.changed {
		s.logger.Info("Family member disabled", zap.String("owner_id", accountID), zap.String("peer", peerKey))
		s.record(ctx, accountID, constants.ActionMemberDisabled, ch, "disabled", false, true)
	}
	return nil
}

// EnableMember restores a soft-deleted entry
func (s *Service) EnableMember(ctx context.Context, accountID, peerKey string) error {
	ch, err := s.update(ctx, accountID, peerKey, true, func(m *state.FamilyMember) bool {
		if !m.Disabled {
			return false
		}
		m.Disabled = false
		m.DisabledAt = nil
		return true
	})
	if err != nil {
		return err
	}

	if ch.changed {
		s.record(ctx, accountID, constants.ActionMemberEnabled, ch, "disabled", true, false)
	}
	return nil
}

// change is an entry before and after an update
type change struct {
	before  state.FamilyMember
	after   state.FamilyMember
	changed bool
}

// update applies fn to the entry for peerKey. Disabled entries are only
// visible when withDisabled is set.
func (s *Service) update(ctx context.Context, accountID, peerKey string, withDisabled bool, fn func(m *state.FamilyMember) bool) (change, error) {
	var missing []string
	if accountID == "" {
		missing = append(missing, "account_id")
	}
	if peerKey == "" {
		missing = append(missing, "peer")
	}
	if len(missing) > 0 {
		return change{}, apperrors.NewMissingFields(missing...)
	}

	var ch change
	_, err := s.networks.Mutate(ctx, accountID, func(rec *state.FamilyNetworkRecord) (bool, error) {
		i := rec.FindByKey(peerKey)
		if i < 0 || (rec.Members[i].Disabled && !withDisabled) {
			return false, apperrors.NewNotFound("family member", peerKey)
		}
		ch.before = rec.Members[i]
		ch.changed = fn(&rec.Members[i])
		ch.after = rec.Members[i]
		return ch.changed, nil
	})
	if err != nil {
		return change{}, err
	}
	return ch, nil
}

func (s *Service) record(ctx context.Context, accountID, action string, ch change, field string, oldValue, newValue interface{}) {
	s.audit.Record(ctx, state.AuditEntry{
		ActorAccountID: accountID,
		Action:         action,
		ResourceType:   constants.ResourceFamilyMember,
		ResourceID:     ch.after.PeerRef(),
		OldValues:      map[string]interface{}{field: oldValue},
		NewValues:      map[string]interface{}{field: newValue},
	})
}
