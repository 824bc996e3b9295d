package colorbot

import (
	"context"
	"errors"
	"github.com/lmittmann/tint"
	"log/slog"
	"sync"
)

// Messages sent back to the channel a command came from
const (
	msgEmptyColor       = "Empty color"
	msgInvalidHex       = "Invalid hex number, please use hex colors"
	msgZeroColor        = "Discord doesn't work with 0x000000 color, using the fallback color 0x000001"
	msgGetMemberFailed  = "Failed to get member"
	msgGetRolesFailed   = "Failed to get guild roles"
	msgDeleteRoleFailed = "Failed to remove member color"
	msgCreateRoleFailed = "Failed to create a color role"
	msgAssignRoleFailed = "Failed to add a new role to member"
)

// colorRolePosition places new color roles directly above @everyone
const colorRolePosition = 0

// Role is a guild role, as far as the reconciler is concerned
type Role struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Color    Color  `json:"color"`
	Position int    `json:"position"`
}

// Member is a guild member and the IDs of the roles they currently hold
type Member struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	RoleIDs     []string `json:"role_ids"`
}

// RoleDirectory is the source of truth for guild roles and role
// assignments. Implementations are expected to hit the platform
// directly - results must not be cached between calls.
type RoleDirectory interface {
	// GuildRoles returns every role in the guild
	GuildRoles(ctx context.Context, guildID string) ([]Role, error)

	// Member returns the guild member with the given ID
	Member(ctx context.Context, guildID string, memberID string) (Member, error)

	// DeleteRole deletes the role from the guild (which also removes
	// it from every member holding it)
	DeleteRole(ctx context.Context, guildID string, roleID string) error

	// CreateRole creates a new role at the given position. If the role
	// was created but couldn't be moved, it's returned along with the error.
	CreateRole(
		ctx context.Context,
		guildID string,
		name string,
		color Color,
		position int,
	) (Role, error)

	// AssignRole adds the role to the member
	AssignRole(ctx context.Context, guildID string, memberID string, roleID string) error
}

// Notifier sends status messages back to a channel. Delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, channelID string, content string) error
}

// ReconcileState is a step in a single reconciliation
type ReconcileState string

const (
	// StateResolve fetches the member and the guild's roles
	StateResolve ReconcileState = "resolve"

	// StateScan deletes every color role the member holds
	StateScan ReconcileState = "scan"

	// StateCreate creates the new color role
	StateCreate ReconcileState = "create"

	// StateAssign adds the new color role to the member
	StateAssign ReconcileState = "assign"

	// StateDone is the terminal state after any mutation was attempted
	StateDone ReconcileState = "done"

	// StateAborted is the terminal state when the member or roles
	// couldn't be resolved, and nothing was mutated
	StateAborted ReconcileState = "aborted"
)

// Request describes a color command to reconcile
type Request struct {
	GuildID   string
	ChannelID string
	MemberID  string
	Intent    Intent

	// Raw is the hex string used to name the new role
	Raw string

	// Color is the color of the new role. It should already be
	// renderable (see Color.Renderable)
	Color Color
}

func (r Request) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("guild_id", r.GuildID),
		slog.String("channel_id", r.ChannelID),
		slog.String("member_id", r.MemberID),
		slog.String("intent", r.Intent.String()),
	}
	if r.Intent == IntentSetColor {
		attrs = append(attrs, slog.String("raw", r.Raw), slog.String("color", r.Color.String()))
	}
	return slog.GroupValue(attrs...)
}

// Outcome records what happened during a reconciliation
type Outcome struct {
	Request Request

	// Member as resolved in StateResolve
	Member Member

	// Every state entered, in order, including the terminal state
	States []ReconcileState

	// IDs of color roles which were deleted
	DeletedRoleIDs []string

	// IDs of color roles which couldn't be deleted
	FailedRoleIDs []string

	// The color role created for IntentSetColor, if creation succeeded
	CreatedRole *Role

	// Assigned is true if CreatedRole was added to the member
	Assigned bool

	Errors []error
}

// Final returns the terminal state of the reconciliation
func (o Outcome) Final() ReconcileState {
	if len(o.States) == 0 {
		return ""
	}
	return o.States[len(o.States)-1]
}

// Orphaned is true when a color role was created but couldn't be
// assigned to the member. The role stays in the guild until the
// member's next command deletes it (if they ever hold it) or an
// admin removes it.
func (o Outcome) Orphaned() bool {
	return o.CreatedRole != nil && !o.Assigned
}

// Err returns all errors encountered, joined
func (o Outcome) Err() error {
	return errors.Join(o.Errors...)
}

func (o Outcome) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("final_state", string(o.Final())),
		slog.Any("deleted_role_ids", o.DeletedRoleIDs),
	}
	if len(o.FailedRoleIDs) > 0 {
		attrs = append(attrs, slog.Any("failed_role_ids", o.FailedRoleIDs))
	}
	if o.CreatedRole != nil {
		attrs = append(
			attrs,
			slog.String("created_role_id", o.CreatedRole.ID),
			slog.Bool("assigned", o.Assigned),
		)
	}
	if len(o.Errors) > 0 {
		attrs = append(attrs, slog.Int("errors", len(o.Errors)))
	}
	return slog.GroupValue(attrs...)
}

// Reconciler brings a member's color roles in line with a Request.
//
// Ownership of a color role is derived from the role name every time
// (see colorRoleNamePrefix), so a failure part way through a previous
// reconciliation is repaired by the member's next command: stale roles
// are found and deleted again.
//
// Each external call is attempted exactly once. Failures are logged and
// reported to the command's channel. A failed delete doesn't stop the
// other deletes or the creation of the new role, while a failed create
// means there's nothing to assign.
type Reconciler struct {
	directory RoleDirectory
	notifier  Notifier
	logger    *slog.Logger

	// nil when member commands aren't serialized
	locks *memberLocks
}

// NewReconciler returns a Reconciler. If serialize is true, reconciliations
// for the same guild member are run one at a time.
func NewReconciler(
	directory RoleDirectory,
	notifier Notifier,
	logger *slog.Logger,
	serialize bool,
) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{
		directory: directory,
		notifier:  notifier,
		logger:    logger.With(loggerNameKey, "reconciler"),
	}
	if serialize {
		r.locks = newMemberLocks()
	}
	return r
}

// Reconcile runs the reconciliation described by req. Errors are
// reported via the Notifier and recorded on the returned Outcome,
// never returned.
func (r *Reconciler) Reconcile(ctx context.Context, req Request) Outcome {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = r.logger
	}
	logger = logger.With("request", req)

	run := &reconciliation{
		r:       r,
		logger:  logger,
		outcome: Outcome{Request: req},
	}
	if req.Intent != IntentReset && req.Intent != IntentSetColor {
		logger.WarnContext(ctx, "nothing to reconcile")
		return run.outcome
	}

	if r.locks != nil {
		unlock := r.locks.Lock(req.GuildID, req.MemberID)
		defer unlock()
	}

	state := StateResolve
	for {
		run.outcome.States = append(run.outcome.States, state)
		if state == StateDone || state == StateAborted {
			break
		}
		logger.DebugContext(ctx, "entering state", "state", state)
		state = run.step(ctx, state)
	}

	logger.InfoContext(ctx, "reconciled", "outcome", run.outcome)
	return run.outcome
}

// reconciliation holds the state of a single Reconcile call
type reconciliation struct {
	r       *Reconciler
	logger  *slog.Logger
	outcome Outcome
	roles   []Role
}

func (rc *reconciliation) step(ctx context.Context, state ReconcileState) ReconcileState {
	switch state {
	case StateResolve:
		return rc.resolve(ctx)
	case StateScan:
		return rc.scan(ctx)
	case StateCreate:
		return rc.create(ctx)
	case StateAssign:
		return rc.assign(ctx)
	default:
		rc.logger.ErrorContext(ctx, "unknown state", "state", state)
		return StateAborted
	}
}

func (rc *reconciliation) resolve(ctx context.Context) ReconcileState {
	req := rc.outcome.Request

	member, err := rc.r.directory.Member(ctx, req.GuildID, req.MemberID)
	if err != nil {
		rc.fail(
			ctx,
			&DirectoryError{GuildID: req.GuildID, MemberID: req.MemberID, Resource: "member", Err: err},
			msgGetMemberFailed,
		)
		return StateAborted
	}
	rc.outcome.Member = member

	roles, err := rc.r.directory.GuildRoles(ctx, req.GuildID)
	if err != nil {
		rc.fail(
			ctx,
			&DirectoryError{GuildID: req.GuildID, MemberID: req.MemberID, Resource: "guild roles", Err: err},
			msgGetRolesFailed,
		)
		return StateAborted
	}
	rc.roles = roles
	return StateScan
}

// scan deletes each role the member holds which is named like one of
// their color roles. Normally there's at most one, but earlier failures
// or concurrent commands may have left more.
func (rc *reconciliation) scan(ctx context.Context) ReconcileState {
	req := rc.outcome.Request
	prefix := colorRoleNamePrefix(rc.outcome.Member.DisplayName)

	for _, heldRoleID := range rc.outcome.Member.RoleIDs {
		for _, role := range rc.roles {
			if role.ID != heldRoleID {
				continue
			}
			if ownsRole(prefix, role) {
				rc.deleteRole(ctx, role)
			}
			break
		}
	}

	if req.Intent == IntentReset {
		return StateDone
	}
	return StateCreate
}

func (rc *reconciliation) deleteRole(ctx context.Context, role Role) {
	req := rc.outcome.Request
	if err := rc.r.directory.DeleteRole(ctx, req.GuildID, role.ID); err != nil {
		rc.outcome.FailedRoleIDs = append(rc.outcome.FailedRoleIDs, role.ID)
		rc.fail(
			ctx,
			&MutationError{Step: MutationDelete, GuildID: req.GuildID, RoleID: role.ID, RoleName: role.Name, Err: err},
			msgDeleteRoleFailed,
		)
		return
	}
	rc.logger.InfoContext(ctx, "deleted color role", "role_id", role.ID, "role_name", role.Name)
	rc.outcome.DeletedRoleIDs = append(rc.outcome.DeletedRoleIDs, role.ID)
}

func (rc *reconciliation) create(ctx context.Context) ReconcileState {
	req := rc.outcome.Request
	name := colorRoleName(rc.outcome.Member.DisplayName, req.Raw)

	role, err := rc.r.directory.CreateRole(ctx, req.GuildID, name, req.Color, colorRolePosition)
	if err != nil {
		// the role may exist even though setting it up failed, in which
		// case it's left unassigned
		if role.ID != "" {
			rc.outcome.CreatedRole = &role
		}
		rc.fail(
			ctx,
			&MutationError{Step: MutationCreate, GuildID: req.GuildID, RoleID: role.ID, RoleName: name, Err: err},
			msgCreateRoleFailed,
		)
		return StateDone
	}
	rc.logger.InfoContext(ctx, "created color role", "role", role)
	rc.outcome.CreatedRole = &role
	return StateAssign
}

func (rc *reconciliation) assign(ctx context.Context) ReconcileState {
	req := rc.outcome.Request
	role := rc.outcome.CreatedRole

	err := rc.r.directory.AssignRole(ctx, req.GuildID, req.MemberID, role.ID)
	if err != nil {
		rc.fail(
			ctx,
			&MutationError{Step: MutationAssign, GuildID: req.GuildID, RoleID: role.ID, RoleName: role.Name, Err: err},
			msgAssignRoleFailed,
		)
		return StateDone
	}
	rc.outcome.Assigned = true
	return StateDone
}

// fail records the error, logs it and tells the channel
func (rc *reconciliation) fail(ctx context.Context, err error, message string) {
	rc.outcome.Errors = append(rc.outcome.Errors, err)
	rc.logger.ErrorContext(ctx, message, tint.Err(err))
	rc.r.notify(ctx, rc.logger, rc.outcome.Request.ChannelID, message)
}

func (r *Reconciler) notify(ctx context.Context, logger *slog.Logger, channelID string, content string) {
	notifyChannel(ctx, r.notifier, logger, channelID, content)
}

// notifyChannel sends content to the channel. Errors are only logged,
// there's nowhere else to report them.
func notifyChannel(
	ctx context.Context,
	notifier Notifier,
	logger *slog.Logger,
	channelID string,
	content string,
) {
	if notifier == nil || channelID == "" {
		return
	}
	if err := notifier.Notify(ctx, channelID, content); err != nil {
		logger.ErrorContext(
			ctx,
			"failed to send a message to the channel",
			tint.Err(err),
			"channel_id", channelID,
			"content", content,
		)
	}
}

// memberLocks serializes work per guild member
type memberLocks struct {
	mu    sync.Mutex
	locks map[string]*memberLock
}

type memberLock struct {
	mu   sync.Mutex
	refs int
}

func newMemberLocks() *memberLocks {
	return &memberLocks{locks: map[string]*memberLock{}}
}

// Lock blocks until the member's lock is held, and returns a function
// releasing it. Locks are removed once nobody holds or waits on them.
func (m *memberLocks) Lock(guildID string, memberID string) func() {
	key := guildID + "/" + memberID

	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &memberLock{}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		m.mu.Lock()
		defer m.mu.Unlock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, key)
		}
	}
}

// Len returns the number of members with a lock held or pending
func (m *memberLocks) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
