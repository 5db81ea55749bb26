package constants

// Document store collections
const (
	// CollectionNetworks holds one FamilyNetworkRecord per owner account id
	CollectionNetworks = "family_networks"
	// CollectionRequests holds one FamilyRequest per request id
	CollectionRequests = "family_requests"
	// CollectionRequestIndex holds per-account sent/received request id lists
	CollectionRequestIndex = "family_request_index"
	// CollectionPendingIndex maps a request fingerprint to the request that claimed it
	CollectionPendingIndex = "family_pending_index"
	// CollectionAccounts holds identity directory entries
	CollectionAccounts = "accounts"
	// CollectionAccountEmails maps a lowercased email to an account id
	CollectionAccountEmails = "account_emails"
	// CollectionAuditLog is append-only, keyed actor/timestamp/id
	CollectionAuditLog = "audit_log"
)

// Audit resource types and actions
const (
	ResourceFamilyMember  = "family_member"
	ResourceFamilyRequest = "family_request"

	ActionAccessLevelChanged = "access_level_changed"
	ActionEmergencyChanged   = "emergency_contact_changed"
	ActionMemberDisabled     = "member_disabled"
	ActionMemberEnabled      = "member_enabled"
	ActionRequestAccepted    = "request_accepted"
	ActionRequestDeclined    = "request_declined"
)

// Origins recorded on membership entries
const (
	OriginRequest = "request"
	OriginRepair  = "repair"
)

// Defaults
const (
	// DefaultMaxFamilyMembers mirrors the max_family_members system setting
	DefaultMaxFamilyMembers = 10

	// DefaultPageSize is the scan page size used when a caller passes zero
	DefaultPageSize = 100

	// EmailIndexPrefix prefixes request index keys for recipients without an account
	EmailIndexPrefix = "email:"
)
