package colorbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	testGuildID   = "100"
	testChannelID = "200"
)

type directoryCall struct {
	Method string
	Args   []string
}

func (c directoryCall) String() string {
	return c.Method + "(" + strings.Join(c.Args, ", ") + ")"
}

// fakeDirectory is an in-memory RoleDirectory for a single guild. It
// records every call, and can be told to fail specific calls.
type fakeDirectory struct {
	mu      sync.Mutex
	roles   []Role
	members map[string]*Member
	calls   []directoryCall
	nextID  int

	failMember error
	failRoles  error
	failDelete map[string]error
	failCreate error
	failAssign error

	// failCreateAfter creates the role, then fails as if it couldn't
	// be moved into position
	failCreateAfter error

	// delay is slept in GuildRoles, to widen race windows
	delay time.Duration

	// reconciliations between Member and the final AssignRole
	active    int
	maxActive int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		members:    map[string]*Member{},
		failDelete: map[string]error{},
		nextID:     1000,
	}
}

func (f *fakeDirectory) addRole(id string, name string) Role {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := Role{ID: id, Name: name, Position: len(f.roles)}
	f.roles = append(f.roles, r)
	return r
}

func (f *fakeDirectory) addMember(id string, displayName string, roleIDs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[id] = &Member{ID: id, DisplayName: displayName, RoleIDs: roleIDs}
}

func (f *fakeDirectory) record(method string, args ...string) {
	f.calls = append(f.calls, directoryCall{Method: method, Args: args})
}

func (f *fakeDirectory) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	rv := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		rv = append(rv, c.String())
	}
	return rv
}

// mutations returns only DeleteRole, CreateRole and AssignRole calls
func (f *fakeDirectory) mutations() []string {
	var rv []string
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, "Member(") || strings.HasPrefix(c, "GuildRoles(") {
			continue
		}
		rv = append(rv, c)
	}
	return rv
}

func (f *fakeDirectory) roleNamesHeldBy(memberID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	m := f.members[memberID]
	for _, id := range m.RoleIDs {
		for _, r := range f.roles {
			if r.ID == id {
				names = append(names, r.Name)
			}
		}
	}
	return names
}

func (f *fakeDirectory) GuildRoles(_ context.Context, guildID string) ([]Role, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GuildRoles", guildID)
	if f.failRoles != nil {
		return nil, f.failRoles
	}
	return append([]Role{}, f.roles...), nil
}

func (f *fakeDirectory) Member(_ context.Context, guildID string, memberID string) (Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Member", guildID, memberID)
	if f.failMember != nil {
		return Member{}, f.failMember
	}
	m, ok := f.members[memberID]
	if !ok {
		return Member{}, fmt.Errorf("unknown member %s", memberID)
	}
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	return Member{ID: m.ID, DisplayName: m.DisplayName, RoleIDs: append([]string{}, m.RoleIDs...)}, nil
}

func (f *fakeDirectory) DeleteRole(_ context.Context, _ string, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DeleteRole", roleID)
	if err := f.failDelete[roleID]; err != nil {
		return err
	}
	for i, r := range f.roles {
		if r.ID == roleID {
			f.roles = append(f.roles[:i], f.roles[i+1:]...)
			break
		}
	}
	for _, m := range f.members {
		for i, id := range m.RoleIDs {
			if id == roleID {
				m.RoleIDs = append(m.RoleIDs[:i], m.RoleIDs[i+1:]...)
				break
			}
		}
	}
	return nil
}

func (f *fakeDirectory) CreateRole(
	_ context.Context,
	_ string,
	name string,
	color Color,
	position int,
) (Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateRole", name, color.String(), fmt.Sprintf("%d", position))
	if f.failCreate != nil {
		return Role{}, f.failCreate
	}
	f.nextID++
	r := Role{ID: fmt.Sprintf("%d", f.nextID), Name: name, Color: color, Position: position}
	f.roles = append(f.roles, r)
	if f.failCreateAfter != nil {
		return r, f.failCreateAfter
	}
	return r, nil
}

func (f *fakeDirectory) AssignRole(_ context.Context, _ string, memberID string, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("AssignRole", memberID, roleID)
	f.active--
	if f.failAssign != nil {
		return f.failAssign
	}
	m := f.members[memberID]
	m.RoleIDs = append(m.RoleIDs, roleID)
	return nil
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(_ context.Context, channelID string, content string) error {
	args := m.Called(channelID, content)
	return args.Error(0)
}

func newTestLogger(t testing.TB) *slog.Logger {
	t.Helper()
	lv := &slog.LevelVar{}
	lv.Set(slog.LevelWarn)
	return slog.New(newLogHandler(lv)).With("test_name", t.Name())
}

func newTestReconciler(t testing.TB, serialize bool) (*Reconciler, *fakeDirectory, *mockNotifier) {
	t.Helper()
	dir := newFakeDirectory()
	notifier := &mockNotifier{}
	return NewReconciler(dir, notifier, newTestLogger(t), serialize), dir, notifier
}

func setRequest(memberID string, raw string, color Color) Request {
	return Request{
		GuildID:   testGuildID,
		ChannelID: testChannelID,
		MemberID:  memberID,
		Intent:    IntentSetColor,
		Raw:       raw,
		Color:     color,
	}
}

func resetRequest(memberID string) Request {
	return Request{
		GuildID:   testGuildID,
		ChannelID: testChannelID,
		MemberID:  memberID,
		Intent:    IntentReset,
	}
}

func TestReconcile_SetColorReplacesOldRole(t *testing.T) {
	t.Parallel()
	r, dir, notifier := newTestReconciler(t, true)
	dir.addRole("1", "color_bot_Ada_old")
	dir.addMember("ada", "Ada", "1")

	outcome := r.Reconcile(context.Background(), setRequest("ada", "1A2B3C", 0x1A2B3C))

	assert.Equal(
		t,
		[]string{
			"DeleteRole(1)",
			"CreateRole(color_bot_Ada_1A2B3C, #1A2B3C, 0)",
			"AssignRole(ada, 1001)",
		},
		dir.mutations(),
	)
	assert.Equal(
		t,
		[]ReconcileState{StateResolve, StateScan, StateCreate, StateAssign, StateDone},
		outcome.States,
	)
	assert.Equal(t, []string{"1"}, outcome.DeletedRoleIDs)
	require.NotNil(t, outcome.CreatedRole)
	assert.Equal(t, "1001", outcome.CreatedRole.ID)
	assert.True(t, outcome.Assigned)
	assert.False(t, outcome.Orphaned())
	assert.NoError(t, outcome.Err())
	assert.Equal(t, []string{"color_bot_Ada_1A2B3C"}, dir.roleNamesHeldBy("ada"))
	notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
}

func TestReconcile_ResetLeavesUnrelatedRoles(t *testing.T) {
	t.Parallel()
	r, dir, notifier := newTestReconciler(t, true)
	dir.addRole("1", "color_bot_Bo_FF0000")
	dir.addRole("2", "moderator")
	dir.addMember("bo", "Bo", "1", "2")

	outcome := r.Reconcile(context.Background(), resetRequest("bo"))

	assert.Equal(t, []string{"DeleteRole(1)"}, dir.mutations())
	assert.Equal(t, []ReconcileState{StateResolve, StateScan, StateDone}, outcome.States)
	assert.Nil(t, outcome.CreatedRole)
	assert.Equal(t, []string{"moderator"}, dir.roleNamesHeldBy("bo"))
	notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
}

func TestReconcile_ResetWithoutColorRole(t *testing.T) {
	t.Parallel()
	r, dir, notifier := newTestReconciler(t, false)
	dir.addRole("2", "moderator")
	// held by someone else, and a lookalike prefix
	dir.addRole("3", "color_bot_Bob_123456")
	dir.addMember("bo", "Bo", "2", "3")

	outcome := r.Reconcile(context.Background(), resetRequest("bo"))

	assert.Empty(t, dir.mutations())
	assert.Empty(t, outcome.DeletedRoleIDs)
	assert.Equal(t, StateDone, outcome.Final())
	notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
}

func TestReconcile_UnheldColorRolesAreIgnored(t *testing.T) {
	t.Parallel()
	r, dir, notifier := newTestReconciler(t, true)
	// named for Ada but not held by her
	dir.addRole("1", "color_bot_Ada_abcdef")
	dir.addMember("ada", "Ada")

	r.Reconcile(context.Background(), resetRequest("ada"))

	assert.Empty(t, dir.mutations())
	notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
}

func TestReconcile_DeletesEveryStaleRole(t *testing.T) {
	t.Parallel()
	r, dir, notifier := newTestReconciler(t, true)
	dir.addRole("1", "color_bot_Ada_111111")
	dir.addRole("2", "moderator")
	dir.addRole("3", "color_bot_Ada_222222")
	dir.addMember("ada", "Ada", "1", "2", "3")

	outcome := r.Reconcile(context.Background(), setRequest("ada", "333333", 0x333333))

	assert.Equal(
		t,
		[]string{
			"DeleteRole(1)",
			"DeleteRole(3)",
			"CreateRole(color_bot_Ada_333333, #333333, 0)",
			"AssignRole(ada, 1001)",
		},
		dir.mutations(),
	)
	assert.Equal(t, []string{"1", "3"}, outcome.DeletedRoleIDs)
	assert.ElementsMatch(t, []string{"moderator", "color_bot_Ada_333333"}, dir.roleNamesHeldBy("ada"))
	notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
}

func TestReconcile_DeleteFailureContinues(t *testing.T) {
	t.Parallel()
	r, dir, notifier := newTestReconciler(t, true)
	dir.addRole("1", "color_bot_Ada_111111")
	dir.addRole("3", "color_bot_Ada_222222")
	dir.addMember("ada", "Ada", "1", "3")
	deleteErr := errors.New("missing permissions")
	dir.failDelete["1"] = deleteErr

	notifier.On("Notify", testChannelID, msgDeleteRoleFailed).Return(nil).Once()

	outcome := r.Reconcile(context.Background(), setRequest("ada", "abcdef", 0xABCDEF))

	assert.Equal(
		t,
		[]string{
			"DeleteRole(1)",
			"DeleteRole(3)",
			"CreateRole(color_bot_Ada_abcdef, #ABCDEF, 0)",
			"AssignRole(ada, 1001)",
		},
		dir.mutations(),
	)
	assert.Equal(t, []string{"3"}, outcome.DeletedRoleIDs)
	assert.Equal(t, []string{"1"}, outcome.FailedRoleIDs)
	assert.True(t, outcome.Assigned)

	var mutationErr *MutationError
	require.ErrorAs(t, outcome.Err(), &mutationErr)
	assert.Equal(t, MutationDelete, mutationErr.Step)
	assert.Equal(t, "1", mutationErr.RoleID)
	assert.ErrorIs(t, outcome.Err(), deleteErr)
	notifier.AssertExpectations(t)
}

func TestReconcile_CreateFailureSkipsAssign(t *testing.T) {
	t.Parallel()
	r, dir, notifier := newTestReconciler(t, true)
	dir.addRole("1", "color_bot_Ada_111111")
	dir.addMember("ada", "Ada", "1")
	dir.failCreate = errors.New("too many roles")

	notifier.On("Notify", testChannelID, msgCreateRoleFailed).Return(nil).Once()

	outcome := r.Reconcile(context.Background(), setRequest("ada", "abcdef", 0xABCDEF))

	assert.Equal(
		t,
		[]string{"DeleteRole(1)", "CreateRole(color_bot_Ada_abcdef, #ABCDEF, 0)"},
		dir.mutations(),
	)
	assert.Equal(t, []ReconcileState{StateResolve, StateScan, StateCreate, StateDone}, outcome.States)
	assert.Nil(t, outcome.CreatedRole)
	assert.False(t, outcome.Assigned)
	assert.False(t, outcome.Orphaned())
	assert.Empty(t, dir.roleNamesHeldBy("ada"))

	var mutationErr *MutationError
	require.ErrorAs(t, outcome.Err(), &mutationErr)
	assert.Equal(t, MutationCreate, mutationErr.Step)
	assert.Equal(t, "color_bot_Ada_abcdef", mutationErr.RoleName)
	notifier.AssertExpectations(t)
}

func TestReconcile_CreatedButNotMovedIsOrphaned(t *testing.T) {
	t.Parallel()
	r, dir, notifier := newTestReconciler(t, true)
	dir.addMember("ada", "Ada")
	dir.failCreateAfter = errors.New("error moving role")

	notifier.On("Notify", testChannelID, msgCreateRoleFailed).Return(nil).Once()

	outcome := r.Reconcile(context.Background(), setRequest("ada", "abcdef", 0xABCDEF))

	assert.Equal(t, []string{"CreateRole(color_bot_Ada_abcdef, #ABCDEF, 0)"}, dir.mutations())
	assert.Equal(t, []ReconcileState{StateResolve, StateScan, StateCreate, StateDone}, outcome.States)
	require.NotNil(t, outcome.CreatedRole)
	assert.Equal(t, "1001", outcome.CreatedRole.ID)
	assert.False(t, outcome.Assigned)
	assert.True(t, outcome.Orphaned())
	assert.Empty(t, dir.roleNamesHeldBy("ada"))

	var mutationErr *MutationError
	require.ErrorAs(t, outcome.Err(), &mutationErr)
	assert.Equal(t, MutationCreate, mutationErr.Step)
	assert.Equal(t, "1001", mutationErr.RoleID)
	notifier.AssertExpectations(t)
}

func TestReconcile_AssignFailureOrphansRole(t *testing.T) {
	t.Parallel()
	r, dir, notifier := newTestReconciler(t, true)
	dir.addMember("ada", "Ada")
	dir.failAssign = errors.New("member left")

	notifier.On("Notify", testChannelID, msgAssignRoleFailed).Return(nil).Once()

	outcome := r.Reconcile(context.Background(), setRequest("ada", "abcdef", 0xABCDEF))

	assert.Equal(
		t,
		[]string{"CreateRole(color_bot_Ada_abcdef, #ABCDEF, 0)", "AssignRole(ada, 1001)"},
		dir.mutations(),
	)
	require.NotNil(t, outcome.CreatedRole)
	assert.False(t, outcome.Assigned)
	assert.True(t, outcome.Orphaned())
	assert.Equal(t, StateDone, outcome.Final())

	var mutationErr *MutationError
	require.ErrorAs(t, outcome.Err(), &mutationErr)
	assert.Equal(t, MutationAssign, mutationErr.Step)
	notifier.AssertExpectations(t)
}

func TestReconcile_DirectoryFailuresAbort(t *testing.T) {
	t.Parallel()

	t.Run(
		"member", func(t *testing.T) {
			r, dir, notifier := newTestReconciler(t, true)
			dir.addRole("1", "color_bot_Ada_111111")
			dir.addMember("ada", "Ada", "1")
			dir.failMember = errors.New("unknown member")

			notifier.On("Notify", testChannelID, msgGetMemberFailed).Return(nil).Once()

			outcome := r.Reconcile(context.Background(), setRequest("ada", "abcdef", 0xABCDEF))

			assert.Empty(t, dir.mutations())
			assert.Equal(t, []ReconcileState{StateResolve, StateAborted}, outcome.States)
			var dirErr *DirectoryError
			require.ErrorAs(t, outcome.Err(), &dirErr)
			assert.Equal(t, "member", dirErr.Resource)
			notifier.AssertExpectations(t)
		},
	)

	t.Run(
		"roles", func(t *testing.T) {
			r, dir, notifier := newTestReconciler(t, true)
			dir.addMember("ada", "Ada")
			dir.failRoles = errors.New("service unavailable")

			notifier.On("Notify", testChannelID, msgGetRolesFailed).Return(nil).Once()

			outcome := r.Reconcile(context.Background(), resetRequest("ada"))

			assert.Empty(t, dir.mutations())
			assert.Equal(t, StateAborted, outcome.Final())
			var dirErr *DirectoryError
			require.ErrorAs(t, outcome.Err(), &dirErr)
			assert.Equal(t, "guild roles", dirErr.Resource)
			notifier.AssertExpectations(t)
		},
	)
}

func TestReconcile_NotifyFailureIsOnlyLogged(t *testing.T) {
	t.Parallel()
	r, dir, notifier := newTestReconciler(t, true)
	dir.addMember("ada", "Ada")
	dir.failCreate = errors.New("nope")

	notifier.On("Notify", testChannelID, msgCreateRoleFailed).Return(errors.New("channel gone")).Once()

	outcome := r.Reconcile(context.Background(), setRequest("ada", "abcdef", 0xABCDEF))

	assert.Len(t, outcome.Errors, 1)
	assert.Equal(t, StateDone, outcome.Final())
	notifier.AssertExpectations(t)
}

func TestReconcile_IgnoreIntent(t *testing.T) {
	t.Parallel()
	r, dir, _ := newTestReconciler(t, true)
	dir.addMember("ada", "Ada")

	outcome := r.Reconcile(
		context.Background(),
		Request{GuildID: testGuildID, MemberID: "ada", Intent: IntentIgnore},
	)
	assert.Empty(t, dir.Calls())
	assert.Empty(t, outcome.States)
	assert.Equal(t, ReconcileState(""), outcome.Final())
}

func TestReconcile_RepairsEarlierPartialFailure(t *testing.T) {
	t.Parallel()
	r, dir, notifier := newTestReconciler(t, true)
	dir.addRole("1", "color_bot_Ada_111111")
	dir.addMember("ada", "Ada", "1")

	// first attempt fails to delete the old role, leaving Ada with two
	dir.failDelete["1"] = errors.New("temporary")
	notifier.On("Notify", testChannelID, msgDeleteRoleFailed).Return(nil).Once()
	r.Reconcile(context.Background(), setRequest("ada", "222222", 0x222222))
	assert.ElementsMatch(
		t,
		[]string{"color_bot_Ada_111111", "color_bot_Ada_222222"},
		dir.roleNamesHeldBy("ada"),
	)

	// the next command cleans up both
	delete(dir.failDelete, "1")
	outcome := r.Reconcile(context.Background(), setRequest("ada", "333333", 0x333333))
	assert.ElementsMatch(t, []string{"1", "1001"}, outcome.DeletedRoleIDs)
	assert.Equal(t, []string{"color_bot_Ada_333333"}, dir.roleNamesHeldBy("ada"))
	notifier.AssertExpectations(t)
}

func TestReconcile_SerializesMemberCommands(t *testing.T) {
	t.Parallel()
	r, dir, notifier := newTestReconciler(t, true)
	dir.addMember("ada", "Ada")
	dir.delay = 10 * time.Millisecond

	wg := sync.WaitGroup{}
	for _, raw := range []string{"111111", "222222", "333333", "444444"} {
		wg.Add(1)
		go func(raw string) {
			defer wg.Done()
			c, err := ParseColor(raw)
			assert.NoError(t, err)
			r.Reconcile(context.Background(), setRequest("ada", raw, c))
		}(raw)
	}
	wg.Wait()

	dir.mu.Lock()
	maxActive := dir.maxActive
	dir.mu.Unlock()

	assert.Equal(t, 1, maxActive)
	held := dir.roleNamesHeldBy("ada")
	require.Len(t, held, 1)
	assert.True(t, strings.HasPrefix(held[0], "color_bot_Ada_"))
	assert.Equal(t, 0, r.locks.Len())
	notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
}

func TestMemberLocks(t *testing.T) {
	t.Parallel()
	locks := newMemberLocks()

	unlock := locks.Lock(testGuildID, "ada")
	assert.Equal(t, 1, locks.Len())

	// a different member isn't blocked
	unlockBo := locks.Lock(testGuildID, "bo")
	assert.Equal(t, 2, locks.Len())
	unlockBo()

	acquired := make(chan struct{})
	go func() {
		release := locks.Lock(testGuildID, "ada")
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("lock not acquired after release")
	}

	assert.Eventually(
		t,
		func() bool { return locks.Len() == 0 },
		time.Second,
		10*time.Millisecond,
	)
}
