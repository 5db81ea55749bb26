package state

import (
	"fmt"
	"strings"
	"time"
)

// AccessLevel controls how much of the owner's health data a family member may see
type AccessLevel string

const (
	AccessFull          AccessLevel = "full"
	AccessLimited       AccessLevel = "limited"
	AccessEmergencyOnly AccessLevel = "emergency-only"
)

// DefaultAccessLevel is applied to every entry created by reconciliation
const DefaultAccessLevel = AccessLimited

// ParseAccessLevel validates a user supplied level. "emergency" is accepted
// as an alias of emergency-only.
func ParseAccessLevel(s string) (AccessLevel, bool) {
	switch AccessLevel(strings.ToLower(strings.TrimSpace(s))) {
	case AccessFull:
		return AccessFull, true
	case AccessLimited:
		return AccessLimited, true
	case AccessEmergencyOnly, "emergency":
		return AccessEmergencyOnly, true
	}
	return "", false
}

// Permissions are the capabilities implied by an access level
type Permissions struct {
	ViewRecords      bool `json:"view_records"`
	ViewVitals       bool `json:"view_vitals"`
	ViewMedications  bool `json:"view_medications"`
	ViewDiagnosis    bool `json:"view_diagnosis"`
	ContactDoctors   bool `json:"contact_doctors"`
	MakeAppointments bool `json:"make_appointments"`
}

// Permissions derives the capability set for the level
func (l AccessLevel) Permissions() Permissions {
	switch l {
	case AccessFull:
		return Permissions{
			ViewRecords:      true,
			ViewVitals:       true,
			ViewMedications:  true,
			ViewDiagnosis:    true,
			ContactDoctors:   true,
			MakeAppointments: true,
		}
	case AccessEmergencyOnly:
		return Permissions{ViewVitals: true, ContactDoctors: true}
	default:
		return Permissions{ViewRecords: true, ViewVitals: true}
	}
}

// MemberStatus is always accepted: pending proposals live in the request ledger
type MemberStatus string

const MemberAccepted MemberStatus = "accepted"

// FamilyMember is one edge from the record owner to a peer account
type FamilyMember struct {
	PeerAccountID      string       `json:"peer_account_id,omitempty"`
	PeerEmail          string       `json:"peer_email,omitempty"`
	PeerDisplayName    string       `json:"peer_display_name,omitempty"`
	RelationshipLabel  string       `json:"relationship_label"` // what the owner calls the peer
	AccessLevel        AccessLevel  `json:"access_level"`
	IsEmergencyContact bool         `json:"is_emergency_contact"`
	Status             MemberStatus `json:"status"`
	AddedAt            time.Time    `json:"added_at"`
	Origin             string       `json:"origin,omitempty"`     // request or repair
	GrantedBy          string       `json:"granted_by,omitempty"` // request id that created the entry
	Disabled           bool         `json:"disabled,omitempty"`
	DisabledAt         *time.Time   `json:"disabled_at,omitempty"`
}

// Matches reports whether the entry refers to the given peer. Account ids are
// compared when both sides carry one, emails case-insensitively otherwise.
func (m *FamilyMember) Matches(peerAccountID, peerEmail string) bool {
	if peerAccountID != "" && m.PeerAccountID != "" && m.PeerAccountID == peerAccountID {
		return true
	}
	if peerEmail != "" && m.PeerEmail != "" && strings.EqualFold(m.PeerEmail, peerEmail) {
		return true
	}
	return false
}

// PeerRef returns a printable reference to the peer for logs and errors
func (m *FamilyMember) PeerRef() string {
	switch {
	case m.PeerAccountID != "":
		return m.PeerAccountID
	case m.PeerEmail != "":
		return m.PeerEmail
	default:
		return m.PeerDisplayName
	}
}

// Validate checks if the FamilyMember is valid
func (m *FamilyMember) Validate() error {
	if m.PeerAccountID == "" && m.PeerEmail == "" && m.PeerDisplayName == "" {
		return ErrInvalidMember{Field: "peer", Reason: "needs an account id, email or display name"}
	}
	if m.RelationshipLabel == "" {
		return ErrInvalidMember{Field: "relationship_label", Reason: "cannot be empty"}
	}
	if _, ok := ParseAccessLevel(string(m.AccessLevel)); !ok {
		return ErrInvalidMember{Field: "access_level", Reason: fmt.Sprintf("unknown level %q", m.AccessLevel)}
	}
	return nil
}

// FamilyNetworkRecord is one account's ordered list of family members
type FamilyNetworkRecord struct {
	OwnerAccountID string         `json:"owner_account_id"`
	Members        []FamilyMember `json:"members"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Find returns the index of the entry for the peer, or -1
func (r *FamilyNetworkRecord) Find(peerAccountID, peerEmail string) int {
	for i := range r.Members {
		if r.Members[i].Matches(peerAccountID, peerEmail) {
			return i
		}
	}
	return -1
}

// FindByKey resolves a peer key supplied by a client: an account id or an email
func (r *FamilyNetworkRecord) FindByKey(peerKey string) int {
	if strings.Contains(peerKey, "@") {
		return r.Find("", peerKey)
	}
	return r.Find(peerKey, "")
}

// AddIfAbsent appends m unless the record already has an entry for the same
// peer, disabled entries included. Existing entries are never overwritten.
func (r *FamilyNetworkRecord) AddIfAbsent(m FamilyMember) bool {
	if r.Find(m.PeerAccountID, m.PeerEmail) >= 0 {
		return false
	}
	r.Members = append(r.Members, m)
	return true
}

// Active returns the entries that are not soft-deleted, in order
func (r *FamilyNetworkRecord) Active() []FamilyMember {
	out := make([]FamilyMember, 0, len(r.Members))
	for _, m := range r.Members {
		if !m.Disabled {
			out = append(out, m)
		}
	}
	return out
}

// RequestStatus is the lifecycle state of a FamilyRequest
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestDeclined RequestStatus = "declined"
)

// ParseRequestStatus accepts "", meaning no filter
func ParseRequestStatus(s string) (RequestStatus, bool) {
	switch RequestStatus(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return "", true
	case RequestPending:
		return RequestPending, true
	case RequestAccepted:
		return RequestAccepted, true
	case RequestDeclined:
		return RequestDeclined, true
	}
	return "", false
}

// IsTerminal reports whether no further transition is allowed
func (s RequestStatus) IsTerminal() bool {
	return s == RequestAccepted || s == RequestDeclined
}

// FamilyRequest is a relationship proposal from one account to another
type FamilyRequest struct {
	ID                string        `json:"id"`
	FromAccountID     string        `json:"from_account_id"`
	FromEmail         string        `json:"from_email"`
	FromName          string        `json:"from_name,omitempty"`
	ToAccountID       string        `json:"to_account_id,omitempty"`
	ToEmail           string        `json:"to_email,omitempty"`
	ToName            string        `json:"to_name,omitempty"`
	RelationshipLabel string        `json:"relationship_label"` // what the sender calls the recipient
	Status            RequestStatus `json:"status"`
	CreatedAt         time.Time     `json:"created_at"`
	RespondedAt       *time.Time    `json:"responded_at,omitempty"`
}

// RecipientRef returns the recipient's email, or name when the email is unknown
func (r *FamilyRequest) RecipientRef() string {
	if r.ToEmail != "" {
		return strings.ToLower(strings.TrimSpace(r.ToEmail))
	}
	return strings.ToLower(strings.TrimSpace(r.ToName))
}

// Fingerprint identifies requests that count as duplicates of each other
func (r *FamilyRequest) Fingerprint() string {
	return strings.Join([]string{
		strings.ToLower(strings.TrimSpace(r.FromEmail)),
		r.RecipientRef(),
		strings.ToLower(r.RelationshipLabel),
	}, "|")
}

// AuditEntry is one append-only record of a change made by an account
type AuditEntry struct {
	ID             string                 `json:"id"`
	ActorAccountID string                 `json:"actor_account_id"`
	Action         string                 `json:"action"`
	ResourceType   string                 `json:"resource_type"`
	ResourceID     string                 `json:"resource_id"`
	OldValues      map[string]interface{} `json:"old_values,omitempty"`
	NewValues      map[string]interface{} `json:"new_values,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}

// Errors

type ErrInvalidMember struct {
	Field  string
	Reason string
}

func (e ErrInvalidMember) Error() string {
	return fmt.Sprintf("invalid family member: %s - %s", e.Field, e.Reason)
}
