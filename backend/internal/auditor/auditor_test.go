package auditor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"familynet/backend/internal/constants"
	"familynet/backend/internal/docstore"
	"familynet/backend/internal/docstore/docstoretest"
	"familynet/backend/internal/identity"
	"familynet/backend/internal/repository"
	"familynet/backend/internal/state"
	apperrors "familynet/backend/pkg/errors"
	"familynet/backend/pkg/logger"
)

type fixture struct {
	auditor   *Auditor
	networks  *repository.NetworkRepository
	directory *identity.Directory
	store     *docstoretest.Faulty
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	store := docstoretest.NewFaulty(docstore.NewMemory())
	networks := repository.NewNetworkRepository(store)
	directory := identity.NewDirectory(store)

	ctx := context.Background()
	for _, acc := range []identity.Account{
		{ID: "alice", Email: "alice@example.com", Name: "Alice"},
		{ID: "bob", Email: "bob@example.com", Name: "Bob"},
		{ID: "carol", Email: "carol@example.com", Name: "Carol"},
	} {
		require.NoError(t, directory.Register(ctx, acc))
	}

	return &fixture{
		auditor:   New(networks, directory, opts),
		networks:  networks,
		directory: directory,
		store:     store,
	}
}

func (f *fixture) seed(t *testing.T, owner string, members ...state.FamilyMember) {
	t.Helper()
	_, err := f.networks.Mutate(context.Background(), owner, func(rec *state.FamilyNetworkRecord) (bool, error) {
		rec.Members = append(rec.Members, members...)
		return true, nil
	})
	require.NoError(t, err)
}

func (f *fixture) record(t *testing.T, owner string) *state.FamilyNetworkRecord {
	t.Helper()
	rec, err := f.networks.Get(context.Background(), owner)
	require.NoError(t, err)
	return rec
}

func member(peerID, email, label string) state.FamilyMember {
	return state.FamilyMember{
		PeerAccountID:     peerID,
		PeerEmail:         email,
		RelationshipLabel: label,
		AccessLevel:       state.AccessLimited,
		Status:            state.MemberAccepted,
		AddedAt:           time.Now().UTC(),
	}
}

func TestRepairPassAddsMissingReverseEntry(t *testing.T) {
	f := newFixture(t, Options{PageSize: 2, Concurrency: 2})
	ctx := context.Background()

	bob := member("bob", "bob@example.com", "Parent")
	bob.AccessLevel = state.AccessFull
	bob.IsEmergencyContact = true
	bob.GrantedBy = "req-1"
	f.seed(t, "alice", bob)

	report, err := f.auditor.RepairPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Repaired)
	assert.Zero(t, report.Failed)

	rec := f.record(t, "bob")
	require.Len(t, rec.Members, 1)
	got := rec.Members[0]
	assert.Equal(t, "alice", got.PeerAccountID)
	assert.Equal(t, "alice@example.com", got.PeerEmail)
	assert.Equal(t, "Child", got.RelationshipLabel)
	assert.Equal(t, state.AccessFull, got.AccessLevel)
	assert.True(t, got.IsEmergencyContact)
	assert.Equal(t, constants.OriginRepair, got.Origin)
	assert.Equal(t, "req-1", got.GrantedBy)

	// a second pass finds nothing to do
	report, err = f.auditor.RepairPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Zero(t, report.Repaired)
	assert.Len(t, f.record(t, "alice").Members, 1)
	assert.Len(t, f.record(t, "bob").Members, 1)
}

func TestRepairPassLeavesExistingEntriesAlone(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	f.seed(t, "alice", member("bob", "bob@example.com", "Parent"))
	// bob already has alice under a label that disagrees
	f.seed(t, "bob", member("alice", "alice@example.com", "Sibling"))

	report, err := f.auditor.RepairPass(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Repaired)
	assert.Equal(t, 1, report.Divergent, "one pair, seen from both records")

	rec := f.record(t, "bob")
	require.Len(t, rec.Members, 1)
	assert.Equal(t, "Sibling", rec.Members[0].RelationshipLabel)
	assert.Equal(t, "Parent", f.record(t, "alice").Members[0].RelationshipLabel)
}

func TestRepairPassReportsDivergentLabels(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	defer logger.Replace(zap.New(core))()

	f := newFixture(t, Options{})
	ctx := context.Background()

	f.seed(t, "alice",
		member("bob", "bob@example.com", "Mother"),
		member("carol", "carol@example.com", "Sibling"),
	)
	// gendered labels pair through their neutral form
	f.seed(t, "bob", member("alice", "alice@example.com", "Daughter"))
	// carol calls alice her parent while alice calls carol a sibling
	f.seed(t, "carol", member("", "alice@example.com", "Parent"))

	report, err := f.auditor.RepairPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Divergent)
	assert.Zero(t, report.Repaired)
	assert.Zero(t, report.Failed)

	carol := f.record(t, "carol")
	require.Len(t, carol.Members, 1)
	assert.Equal(t, "Parent", carol.Members[0].RelationshipLabel, "divergent entries are not overwritten")

	// either side of the pair may be written first
	entries := logs.FilterMessage("Reverse entry label diverges").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.ElementsMatch(t, []interface{}{"alice", "carol"}, []interface{}{fields["owner_id"], fields["peer"]})
	assert.ElementsMatch(t, []interface{}{"Parent", "Sibling"}, []interface{}{fields["label"], fields["peer_label"]})
}

// flakyResolver fails the first lookups of one account with a store error
type flakyResolver struct {
	identity.Resolver
	id       string
	failures int
}

func (r *flakyResolver) Resolve(ctx context.Context, emailOrID string) (*identity.Account, error) {
	if emailOrID == r.id && r.failures > 0 {
		r.failures--
		return nil, apperrors.NewStoreUnavailable("get account", errors.New("connection reset"))
	}
	return r.Resolver.Resolve(ctx, emailOrID)
}

func TestRepairPassRetriesOwnerLookupFailures(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	a := New(f.networks, &flakyResolver{Resolver: f.directory, id: "alice", failures: 1}, Options{})

	f.seed(t, "alice", member("bob", "bob@example.com", "Parent"))

	report, err := a.RepairPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, report.Repaired)
	assert.Empty(t, f.record(t, "bob").Members, "no entry is written without the owner's details")

	report, err = a.RepairPass(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Failed)
	assert.Equal(t, 1, report.Repaired)

	rec := f.record(t, "bob")
	require.Len(t, rec.Members, 1)
	assert.Equal(t, "alice", rec.Members[0].PeerAccountID)
	assert.Equal(t, "alice@example.com", rec.Members[0].PeerEmail)
	assert.Equal(t, "Alice", rec.Members[0].PeerDisplayName)
}

func TestRepairPassUnknownOwnerGetsIDOnlyEntry(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	f.seed(t, "dave", member("bob", "bob@example.com", "Cousin"))

	report, err := f.auditor.RepairPass(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Failed)
	assert.Equal(t, 1, report.Repaired)

	rec := f.record(t, "bob")
	require.Len(t, rec.Members, 1)
	assert.Equal(t, "dave", rec.Members[0].PeerAccountID)
	assert.Empty(t, rec.Members[0].PeerEmail)
	assert.Empty(t, rec.Members[0].PeerDisplayName)
}

func TestRepairPassSkipsInvalidEntries(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	noLabel := member("bob", "bob@example.com", "")
	f.seed(t, "alice", noLabel, member("carol", "carol@example.com", "Sibling"))

	report, err := f.auditor.RepairPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Repaired)
	assert.Empty(t, f.record(t, "bob").Members)
	assert.Len(t, f.record(t, "carol").Members, 1)
}

func TestRepairPassGroupsWritesPerRecord(t *testing.T) {
	f := newFixture(t, Options{Concurrency: 4})
	ctx := context.Background()

	f.seed(t, "alice", member("carol", "carol@example.com", "Sibling"))
	f.seed(t, "bob", member("carol", "carol@example.com", "Cousin"))
	before := f.store.Updates(constants.CollectionNetworks, "carol")

	report, err := f.auditor.RepairPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Repaired)
	assert.Equal(t, before+1, f.store.Updates(constants.CollectionNetworks, "carol"))

	rec := f.record(t, "carol")
	require.Len(t, rec.Members, 2)
	labels := map[string]string{}
	for _, m := range rec.Members {
		labels[m.PeerAccountID] = m.RelationshipLabel
	}
	assert.Equal(t, map[string]string{"alice": "Sibling", "bob": "Cousin"}, labels)
}

func TestRepairPassResolvesEmailOnlyPeers(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	// added before bob had an account
	f.seed(t, "alice", member("", "Bob@Example.com", "Child"))

	report, err := f.auditor.RepairPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)

	rec := f.record(t, "bob")
	require.Len(t, rec.Members, 1)
	assert.Equal(t, "alice", rec.Members[0].PeerAccountID)
	assert.Equal(t, "Parent", rec.Members[0].RelationshipLabel)
}

func TestRepairPassLogsUnresolvablePeers(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	defer logger.Replace(zap.New(core))()

	f := newFixture(t, Options{})
	ctx := context.Background()

	name := state.FamilyMember{PeerDisplayName: "Grandma", RelationshipLabel: "Grandparent", AccessLevel: state.AccessLimited}
	f.seed(t, "alice",
		member("", "ghost@example.com", "Cousin"),
		name,
		member("bob", "bob@example.com", "Sibling"),
	)

	report, err := f.auditor.RepairPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Unresolvable)
	assert.Equal(t, 1, report.Repaired)
	assert.Zero(t, report.Failed)

	entries := logs.FilterMessage("Skipping entry with unresolvable peer").All()
	require.Len(t, entries, 2)
	assert.Equal(t, "alice", entries[0].ContextMap()["owner_id"])
	assert.Equal(t, "ghost@example.com", entries[0].ContextMap()["peer"])
}

func TestRepairPassSkipsDisabledAndSelfEntries(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	disabled := member("bob", "bob@example.com", "Parent")
	disabled.Disabled = true
	f.seed(t, "alice", disabled, member("alice", "alice@example.com", "Friend"))

	report, err := f.auditor.RepairPass(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Repaired)
	assert.Empty(t, f.record(t, "bob").Members)
	assert.Len(t, f.record(t, "alice").Members, 2)
}

func TestRepairPassContinuesPastFailedRecords(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 2, Backoff: time.Millisecond})
	ctx := context.Background()

	f.seed(t, "alice", member("bob", "bob@example.com", "Parent"), member("carol", "carol@example.com", "Sibling"))
	f.store.FailUpdates(constants.CollectionNetworks, "bob", -1)

	report, err := f.auditor.RepairPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Repaired)
	assert.Len(t, f.record(t, "carol").Members, 1)
	assert.Empty(t, f.record(t, "bob").Members)

	// rerun after the store recovers
	f.store.Heal()
	report, err = f.auditor.RepairPass(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Failed)
	assert.Equal(t, 1, report.Repaired)
	assert.Len(t, f.record(t, "bob").Members, 1)
}

func TestRepairPassRetriesTransientFailures(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 3, Backoff: time.Millisecond})
	ctx := context.Background()

	f.seed(t, "alice", member("bob", "bob@example.com", "Parent"))
	f.store.FailUpdates(constants.CollectionNetworks, "bob", 2)

	report, err := f.auditor.RepairPass(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Failed)
	assert.Equal(t, 1, report.Repaired)
	assert.Equal(t, 3, f.store.Updates(constants.CollectionNetworks, "bob"))
}

func TestRepairPassHonoursMaxRecords(t *testing.T) {
	f := newFixture(t, Options{PageSize: 1, MaxRecords: 1})
	ctx := context.Background()

	f.seed(t, "alice", member("carol", "carol@example.com", "Sibling"))
	f.seed(t, "bob", member("carol", "carol@example.com", "Cousin"))

	report, err := f.auditor.RepairPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.True(t, report.Truncated)
	assert.Equal(t, 1, report.Repaired)
}

func TestDedupPass(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	first := member("bob", "bob@example.com", "Parent")
	f.seed(t, "alice",
		first,
		member("bob", "BOB@example.com", "Sibling"),
		member("", "bob@example.com", "Cousin"),
		member("carol", "carol@example.com", "Sibling"),
		state.FamilyMember{PeerDisplayName: "Grandma", RelationshipLabel: "Grandparent"},
		state.FamilyMember{PeerDisplayName: "Grandma", RelationshipLabel: "Grandparent"},
	)
	f.seed(t, "bob", member("alice", "alice@example.com", "Child"), member("alice", "alice@example.com", "Child"))

	removed, err := f.auditor.DedupPass(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	rec := f.record(t, "alice")
	require.Len(t, rec.Members, 4)
	assert.Equal(t, "Parent", rec.Members[0].RelationshipLabel, "first entry wins")
	assert.Equal(t, "carol", rec.Members[1].PeerAccountID)

	// other records are untouched
	assert.Len(t, f.record(t, "bob").Members, 2)

	removed, err = f.auditor.DedupPass(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestDedupAll(t *testing.T) {
	f := newFixture(t, Options{PageSize: 1})
	ctx := context.Background()

	f.seed(t, "alice", member("bob", "bob@example.com", "Parent"), member("bob", "bob@example.com", "Parent"))
	f.seed(t, "bob", member("alice", "alice@example.com", "Child"))
	f.seed(t, "carol", member("bob", "bob@example.com", "Sibling"), member("bob", "", "Sibling"), member("bob", "bob@example.com", "Sibling"))
	before := f.store.Updates(constants.CollectionNetworks, "bob")

	report, err := f.auditor.DedupAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, 2, report.Records)
	assert.Equal(t, 3, report.Removed)
	assert.Equal(t, before, f.store.Updates(constants.CollectionNetworks, "bob"), "clean records are not rewritten")

	assert.Len(t, f.record(t, "alice").Members, 1)
	carol := f.record(t, "carol")
	require.Len(t, carol.Members, 1)
	assert.Equal(t, "bob@example.com", carol.Members[0].PeerEmail)
}

func TestDedupPassMatchesOnAccountIDWhenEmailIsMissing(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	f.seed(t, "alice",
		member("bob", "bob@example.com", "Parent"),
		member("bob", "", "Parent"),
		member("", "", "Grandparent"),
		member("carol", "", "Sibling"),
		member("", "Carol@Example.com", "Sibling"),
	)

	removed, err := f.auditor.DedupPass(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, removed, "entries sharing no id or email stay apart")

	rec := f.record(t, "alice")
	require.Len(t, rec.Members, 4)
	assert.Equal(t, "bob@example.com", rec.Members[0].PeerEmail)
	assert.Equal(t, "Grandparent", rec.Members[1].RelationshipLabel)
}
