package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"familynet/backend/internal/constants"
	"familynet/backend/internal/docstore"
	"familynet/backend/internal/docstore/docstoretest"
	"familynet/backend/internal/identity"
	"familynet/backend/internal/notify"
	"familynet/backend/internal/reconciler"
	"familynet/backend/internal/repository"
	"familynet/backend/internal/state"
	apperrors "familynet/backend/pkg/errors"
)

// sink records dispatched notifications
type sink struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (s *sink) Notify(_ context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, n)
	return nil
}

func (s *sink) kinds() []notify.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]notify.Kind, 0, len(s.got))
	for _, n := range s.got {
		out = append(out, n.Kind)
	}
	return out
}

type fixture struct {
	ledger     *Ledger
	networks   *repository.NetworkRepository
	audit      *repository.AuditRepository
	directory  *identity.Directory
	store      *docstoretest.Faulty
	sink       *sink
	dispatcher *notify.Dispatcher
}

func newFixture(t *testing.T, maxMembers int) *fixture {
	t.Helper()
	store := docstoretest.NewFaulty(docstore.NewMemory())
	networks := repository.NewNetworkRepository(store)
	requests := repository.NewRequestRepository(store)
	directory := identity.NewDirectory(store)
	audit := repository.NewAuditRepository(store)
	rec := reconciler.New(networks, reconciler.Options{MaxAttempts: 1})
	s := &sink{}
	dispatcher := notify.NewDispatcher(s, time.Second)

	ctx := context.Background()
	for _, acc := range []identity.Account{
		{ID: "alice", Email: "alice@example.com", Name: "Alice"},
		{ID: "bob", Email: "bob@example.com", Name: "Bob"},
		{ID: "carol", Email: "carol@example.com", Name: "Carol"},
	} {
		require.NoError(t, directory.Register(ctx, acc))
	}

	l := New(requests, networks, directory, rec, dispatcher, audit, Options{MaxFamilyMembers: maxMembers})
	return &fixture{
		ledger:     l,
		networks:   networks,
		audit:      audit,
		directory:  directory,
		store:      store,
		sink:       s,
		dispatcher: dispatcher,
	}
}

func TestAcceptParentRequestCreatesSymmetricPair(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)

	req, err := f.ledger.CreateRequest(ctx, "alice", CreateInput{ToEmail: "Bob@Example.com", RelationshipLabel: "parent"})
	require.NoError(t, err)
	assert.Equal(t, state.RequestPending, req.Status)
	assert.Equal(t, "bob", req.ToAccountID)
	assert.Equal(t, "bob@example.com", req.ToEmail)
	assert.Equal(t, "Parent", req.RelationshipLabel)

	accepted, err := f.ledger.Accept(ctx, req.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, state.RequestAccepted, accepted.Status)
	require.NotNil(t, accepted.RespondedAt)

	a, err := f.networks.Get(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, a.Members, 1)
	assert.Equal(t, "bob", a.Members[0].PeerAccountID)
	assert.Equal(t, "Parent", a.Members[0].RelationshipLabel)

	b, err := f.networks.Get(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, b.Members, 1)
	assert.Equal(t, "alice", b.Members[0].PeerAccountID)
	assert.Equal(t, "Child", b.Members[0].RelationshipLabel)

	f.dispatcher.Wait()
	assert.ElementsMatch(t, []notify.Kind{notify.KindRequestCreated, notify.KindRequestAccepted}, f.sink.kinds())
}

func TestDuplicatePending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	in := CreateInput{ToEmail: "bob@example.com", RelationshipLabel: "Sibling"}

	first, err := f.ledger.CreateRequest(ctx, "alice", in)
	require.NoError(t, err)

	_, err = f.ledger.CreateRequest(ctx, "alice", CreateInput{ToEmail: "BOB@example.com", RelationshipLabel: "sibling"})
	var dup *apperrors.ErrDuplicatePendingDetail
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ID, dup.ExistingRequestID)

	// a different label is a different request
	_, err = f.ledger.CreateRequest(ctx, "alice", CreateInput{ToEmail: "bob@example.com", RelationshipLabel: "Cousin"})
	assert.NoError(t, err)

	// once declined, the same request can be sent again
	_, err = f.ledger.Decline(ctx, first.ID, "bob")
	require.NoError(t, err)
	_, err = f.ledger.CreateRequest(ctx, "alice", in)
	assert.NoError(t, err)
}

func TestConcurrentDuplicateCreatesOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	const callers = 8

	var wg sync.WaitGroup
	var mu sync.Mutex
	created, duplicates := 0, 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ledger.CreateRequest(ctx, "alice", CreateInput{ToEmail: "bob@example.com", RelationshipLabel: "Parent"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case apperrors.IsErrorType(err, apperrors.ErrorTypeDuplicatePending):
				duplicates++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, callers-1, duplicates)
}

func TestDeclineThenAcceptFailsAlreadyProcessed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)

	req, err := f.ledger.CreateRequest(ctx, "alice", CreateInput{ToEmail: "bob@example.com", RelationshipLabel: "Parent"})
	require.NoError(t, err)

	_, err = f.ledger.Decline(ctx, req.ID, "bob")
	require.NoError(t, err)

	_, err = f.ledger.Accept(ctx, req.ID, "bob")
	assert.ErrorIs(t, err, apperrors.ErrAlreadyProcessed)

	// nothing was reconciled
	a, err := f.networks.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, a.Members)
}

func TestAcceptThenDeclineFailsAlreadyProcessed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)

	req, err := f.ledger.CreateRequest(ctx, "alice", CreateInput{ToEmail: "bob@example.com", RelationshipLabel: "Parent"})
	require.NoError(t, err)
	_, err = f.ledger.Accept(ctx, req.ID, "bob")
	require.NoError(t, err)

	_, err = f.ledger.Decline(ctx, req.ID, "bob")
	assert.ErrorIs(t, err, apperrors.ErrAlreadyProcessed)
	_, err = f.ledger.Accept(ctx, req.ID, "bob")
	assert.ErrorIs(t, err, apperrors.ErrAlreadyProcessed)
}

func TestRacingAnswersReachOneTerminalState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)

	req, err := f.ledger.CreateRequest(ctx, "alice", CreateInput{ToEmail: "bob@example.com", RelationshipLabel: "Parent"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = f.ledger.Accept(ctx, req.ID, "bob")
			} else {
				_, err = f.ledger.Decline(ctx, req.ID, "bob")
			}
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, apperrors.ErrAlreadyProcessed)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestCreateRequestValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)

	_, err := f.ledger.CreateRequest(ctx, "alice", CreateInput{RelationshipLabel: "Parent"})
	var missing *apperrors.ErrMissingFieldsDetail
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"to_email|to_name"}, missing.Fields)

	_, err = f.ledger.CreateRequest(ctx, "alice", CreateInput{ToEmail: "bob@example.com", RelationshipLabel: "  "})
	assert.ErrorIs(t, err, apperrors.ErrMissingFields)

	_, err = f.ledger.CreateRequest(ctx, "alice", CreateInput{ToEmail: "ALICE@example.com", RelationshipLabel: "Sibling"})
	assert.ErrorIs(t, err, apperrors.ErrSelfReference)

	_, err = f.ledger.CreateRequest(ctx, "nobody", CreateInput{ToEmail: "bob@example.com", RelationshipLabel: "Sibling"})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestCreateRequestAlreadyConnected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)

	req, err := f.ledger.CreateRequest(ctx, "alice", CreateInput{ToEmail: "bob@example.com", RelationshipLabel: "Parent"})
	require.NoError(t, err)
	_, err = f.ledger.Accept(ctx, req.ID, "bob")
	require.NoError(t, err)

	_, err = f.ledger.CreateRequest(ctx, "alice", CreateInput{ToEmail: "bob@example.com", RelationshipLabel: "Friend"})
	assert.ErrorIs(t, err, apperrors.ErrAlreadyConnected)

	// the reverse direction is connected too
	_, err = f.ledger.CreateRequest(ctx, "bob", CreateInput{ToEmail: "alice@example.com", RelationshipLabel: "Child"})
	assert.ErrorIs(t, err, apperrors.ErrAlreadyConnected)

	// disabled entries still count
	_, err = f.networks.Mutate(ctx, "alice", func(rec *state.FamilyNetworkRecord) (bool, error) {
		rec.Members[0].Disabled = true
		return true, nil
	})
	require.NoError(t, err)
	_, err = f.ledger.CreateRequest(ctx, "alice", CreateInput{ToEmail: "bob@example.com", RelationshipLabel: "Parent"})
	assert.ErrorIs(t, err, apperrors.ErrAlreadyConnected)
}

func TestCreateRequestNetworkFull(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)

	for i := 0; i < 2; i++ {
		_, err := f.networks.Mutate(ctx, "alice", func(rec *state.FamilyNetworkRecord) (bool, error) {
			return rec.AddIfAbsent(state.FamilyMember{PeerEmail: fmt.Sprintf("p%d@example.com", i)}), nil
		})
		require.NoError(t, err)
	}

	_, err := f.ledger.CreateRequest(ctx, "alice", CreateInput{ToEmail: "bob@example.com", RelationshipLabel: "Parent"})
	assert.ErrorIs(t, err, apperrors.ErrNetworkFull)

	// disabled entries do not count toward the limit
	_, err = f.networks.Mutate(ctx, "alice", func(rec *state.FamilyNetworkRecord) (bool, error) {
		rec.Members[1].Disabled = true
		return true, nil
	})
	require.NoError(t, err)
	_, err = f.ledger.CreateRequest(ctx, "alice", CreateInput{ToEmail: "bob@example.com", RelationshipLabel: "Parent"})
	assert.NoError(t, err)
}

func TestPendingSentRequestsCountTowardLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)

	first, err := f.ledger.CreateRequest(ctx, "alice", CreateInput{ToEmail: "bob@example.com", RelationshipLabel: "Parent"})
	require.NoError(t, err)
	_, err = f.ledger.CreateRequest(ctx, "alice", CreateInput{ToEmail: "carol@example.com", RelationshipLabel: "Sibling"})
	require.NoError(t, err)

	_, err = f.ledger.CreateRequest(ctx, "alice", CreateInput{ToName: "Grandma Rose", RelationshipLabel: "Grandparent"})
	assert.ErrorIs(t, err, apperrors.ErrNetworkFull)

	// an accepted request moves from pending to an active entry: still full
	_, err = f.ledger.Accept(ctx, first.ID, "bob")
	require.NoError(t, err)
	_, err = f.ledger.CreateRequest(ctx, "alice", CreateInput{ToName: "Grandma Rose", RelationshipLabel: "Grandparent"})
	assert.ErrorIs(t, err, apperrors.ErrNetworkFull)

	// requests received by alice do not count
	_, err = f.ledger.CreateRequest(ctx, "bob", CreateInput{ToEmail: "carol@example.com", RelationshipLabel: "Cousin"})
	assert.NoError(t, err)

	// a declined request frees its slot
	list, err := f.ledger.ListFor(ctx, "alice", state.RequestPending)
	require.NoError(t, err)
	require.Len(t, list.Sent, 1)
	_, err = f.ledger.Decline(ctx, list.Sent[0].ID, "carol")
	require.NoError(t, err)
	_, err = f.ledger.CreateRequest(ctx, "alice", CreateInput{ToName: "Grandma Rose", RelationshipLabel: "Grandparent"})
	assert.NoError(t, err)
}

func TestAnswersAreAudited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)

	accepted, err := f.ledger.CreateRequest(ctx, "alice", CreateInput{ToEmail: "bob@example.com", RelationshipLabel: "Parent"})
	require.NoError(t, err)
	declined, err := f.ledger.CreateRequest(ctx, "carol", CreateInput{ToEmail: "bob@example.com", RelationshipLabel: "Cousin"})
	require.NoError(t, err)

	_, err = f.ledger.Accept(ctx, accepted.ID, "bob")
	require.NoError(t, err)
	_, err = f.ledger.Decline(ctx, declined.ID, "bob")
	require.NoError(t, err)
	_, err = f.ledger.Decline(ctx, accepted.ID, "bob")
	require.ErrorIs(t, err, apperrors.ErrAlreadyProcessed)

	entries, err := f.audit.ListByActor(ctx, "bob", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2, "rejected answers are not audited")

	byRequest := map[string]state.AuditEntry{}
	for _, e := range entries {
		assert.Equal(t, constants.ResourceFamilyRequest, e.ResourceType)
		assert.Equal(t, string(state.RequestPending), e.OldValues["status"])
		byRequest[e.ResourceID] = e
	}
	assert.Equal(t, constants.ActionRequestAccepted, byRequest[accepted.ID].Action)
	assert.Equal(t, string(state.RequestAccepted), byRequest[accepted.ID].NewValues["status"])
	assert.Equal(t, constants.ActionRequestDeclined, byRequest[declined.ID].Action)
	assert.Equal(t, string(state.RequestDeclined), byRequest[declined.ID].NewValues["status"])

	// the sender made no answer
	none, err := f.audit.ListByActor(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAnswerAuthorization(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)

	req, err := f.ledger.CreateRequest(ctx, "alice", CreateInput{ToEmail: "bob@example.com", RelationshipLabel: "Parent"})
	require.NoError(t, err)

	_, err = f.ledger.Accept(ctx, req.ID, "carol")
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	_, err = f.ledger.Accept(ctx, req.ID, "alice")
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized, "the sender cannot accept their own request")
	_, err = f.ledger.Decline(ctx, req.ID, "ghost")
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)

	_, err = f.ledger.Accept(ctx, "missing", "bob")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	// still pending after the rejected attempts
	got, err := f.ledger.Get(ctx, req.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, state.RequestPending, got.Status)

	_, err = f.ledger.Get(ctx, req.ID, "carol")
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
}

func TestRequestToUnregisteredEmail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)

	req, err := f.ledger.CreateRequest(ctx, "alice", CreateInput{ToEmail: "dave@example.com", RelationshipLabel: "Grandparent"})
	require.NoError(t, err)
	assert.Empty(t, req.ToAccountID)

	require.NoError(t, f.directory.Register(ctx, identity.Account{ID: "dave", Email: "dave@example.com", Name: "Dave"}))

	list, err := f.ledger.ListFor(ctx, "dave", "")
	require.NoError(t, err)
	require.Len(t, list.Received, 1)
	assert.Equal(t, req.ID, list.Received[0].ID)

	accepted, err := f.ledger.Accept(ctx, req.ID, "dave")
	require.NoError(t, err)
	assert.Equal(t, "dave", accepted.ToAccountID)
	assert.Equal(t, "Dave", accepted.ToName)

	d, err := f.networks.Get(ctx, "dave")
	require.NoError(t, err)
	require.Len(t, d.Members, 1)
	assert.Equal(t, "Grandchild", d.Members[0].RelationshipLabel)

	list, err = f.ledger.ListFor(ctx, "dave", state.RequestAccepted)
	require.NoError(t, err)
	assert.Len(t, list.Received, 1, "indexed under both email and account id but listed once")
}

func TestAcceptSucceedsWhenReconciliationFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)

	req, err := f.ledger.CreateRequest(ctx, "alice", CreateInput{ToEmail: "bob@example.com", RelationshipLabel: "Parent"})
	require.NoError(t, err)

	f.store.FailUpdates(constants.CollectionNetworks, "bob", -1)
	accepted, err := f.ledger.Accept(ctx, req.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, state.RequestAccepted, accepted.Status)

	b, err := f.networks.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, b.Members, "graph is temporarily asymmetric")

	f.store.Heal()
	res, err := f.ledger.RetryReconcile(ctx, req.ID)
	require.NoError(t, err)
	assert.True(t, res.RecipientEntryCreated)
	assert.False(t, res.SenderEntryCreated)

	b, err = f.networks.Get(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, b.Members, 1)
	assert.Equal(t, "Child", b.Members[0].RelationshipLabel)
}

func TestRetryReconcileRequiresAcceptedRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)

	req, err := f.ledger.CreateRequest(ctx, "alice", CreateInput{ToEmail: "bob@example.com", RelationshipLabel: "Parent"})
	require.NoError(t, err)

	_, err = f.ledger.RetryReconcile(ctx, req.ID)
	assert.ErrorIs(t, err, apperrors.ErrAlreadyProcessed)

	_, err = f.ledger.RetryReconcile(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestListFor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f.ledger.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	r1, err := f.ledger.CreateRequest(ctx, "alice", CreateInput{ToEmail: "bob@example.com", RelationshipLabel: "Parent"})
	require.NoError(t, err)
	r2, err := f.ledger.CreateRequest(ctx, "alice", CreateInput{ToEmail: "carol@example.com", RelationshipLabel: "Sibling"})
	require.NoError(t, err)
	r3, err := f.ledger.CreateRequest(ctx, "carol", CreateInput{ToEmail: "bob@example.com", RelationshipLabel: "Cousin"})
	require.NoError(t, err)
	_, err = f.ledger.Decline(ctx, r2.ID, "carol")
	require.NoError(t, err)

	alice, err := f.ledger.ListFor(ctx, "alice", "")
	require.NoError(t, err)
	require.Len(t, alice.Sent, 2)
	assert.Equal(t, r2.ID, alice.Sent[0].ID, "newest first")
	assert.Equal(t, r1.ID, alice.Sent[1].ID)
	assert.Empty(t, alice.Received)

	bob, err := f.ledger.ListFor(ctx, "bob", state.RequestPending)
	require.NoError(t, err)
	assert.Empty(t, bob.Sent)
	require.Len(t, bob.Received, 2)
	assert.Equal(t, r3.ID, bob.Received[0].ID)

	carol, err := f.ledger.ListFor(ctx, "carol", state.RequestDeclined)
	require.NoError(t, err)
	assert.Empty(t, carol.Sent)
	require.Len(t, carol.Received, 1)
	assert.Equal(t, r2.ID, carol.Received[0].ID)
}

func TestRequestByNameOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)

	req, err := f.ledger.CreateRequest(ctx, "alice", CreateInput{ToName: "Grandma Rose", RelationshipLabel: "Grandparent"})
	require.NoError(t, err)
	assert.Empty(t, req.ToAccountID)
	assert.Empty(t, req.ToEmail)

	_, err = f.ledger.CreateRequest(ctx, "alice", CreateInput{ToName: "grandma rose", RelationshipLabel: "Grandparent"})
	assert.ErrorIs(t, err, apperrors.ErrDuplicatePending)

	_, err = f.ledger.Accept(ctx, req.ID, "bob")
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
}
