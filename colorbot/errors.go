package colorbot

import (
	"fmt"
)

type ParseErrorReason string

const (
	ParseErrorEmpty      ParseErrorReason = "empty color"
	ParseErrorInvalidHex ParseErrorReason = "invalid hex"
)

// ParseError is returned when a `.color-set` payload can't be used
type ParseError struct {
	Raw    string
	Reason ParseErrorReason
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %q: %s", e.Reason, e.Raw, e.Err.Error())
	}
	return fmt.Sprintf("%s %q", e.Reason, e.Raw)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// DirectoryError is returned when the member or the guild's roles
// couldn't be retrieved. Reconciliation stops when this happens.
type DirectoryError struct {
	GuildID  string
	MemberID string

	// What was being fetched ("member" or "guild roles")
	Resource string
	Err      error
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf(
		"error fetching %s (guild_id=%s member_id=%s): %s",
		e.Resource,
		e.GuildID,
		e.MemberID,
		e.Err,
	)
}

func (e *DirectoryError) Unwrap() error {
	return e.Err
}

type MutationStep string

const (
	MutationDelete MutationStep = "delete_role"
	MutationCreate MutationStep = "create_role"
	MutationAssign MutationStep = "assign_role"
)

// MutationError is returned when deleting, creating or assigning a
// role fails
type MutationError struct {
	Step    MutationStep
	GuildID string
	RoleID  string

	// RoleName is set for MutationCreate, where there's no ID yet
	RoleName string
	Err      error
}

func (e *MutationError) Error() string {
	role := e.RoleID
	if role == "" {
		role = e.RoleName
	}
	return fmt.Sprintf("%s failed (guild_id=%s role=%s): %s", e.Step, e.GuildID, role, e.Err)
}

func (e *MutationError) Unwrap() error {
	return e.Err
}
