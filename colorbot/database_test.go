package colorbot

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"path/filepath"
	"sync"
	"testing"
)

func setupTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := CreateDB(
		context.Background(),
		dbTypeSQLite,
		filepath.Join(t.TempDir(), "test.sqlite3"),
	)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		},
	)
	return db
}

func TestCreateDB_InvalidType(t *testing.T) {
	t.Parallel()
	_, err := CreateDB(context.Background(), "mysql", "whatever")
	require.Error(t, err)
}

func TestCreateDB_NestedDirectory(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "a", "b", "colors.sqlite3")
	db, err := CreateDB(context.Background(), dbTypeSQLite, path)
	require.NoError(t, err)
	assert.True(t, db.Migrator().HasTable(&ColorCommand{}))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())
}

func TestDatabase_ConcurrentCreate(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	require.NoError(t, configureSQLite(context.Background(), db))
	writeDB := NewDatabase(db, false)

	wg := sync.WaitGroup{}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := writeDB.Create(context.Background(), &ColorCommand{Intent: "reset"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var count int64
	require.NoError(t, db.Model(&ColorCommand{}).Count(&count).Error)
	assert.Equal(t, int64(20), count)
}

func TestColorCommand_SetOutcome(t *testing.T) {
	t.Parallel()
	c := ColorCommand{}
	c.setOutcome(
		Outcome{
			Request:        Request{Intent: IntentSetColor, Color: 0xABCDEF},
			States:         []ReconcileState{StateResolve, StateScan, StateCreate, StateAssign, StateDone},
			DeletedRoleIDs: []string{"1", "2"},
			FailedRoleIDs:  []string{"3"},
			CreatedRole:    &Role{ID: "9"},
			Assigned:       true,
			Errors:         []error{&MutationError{Step: MutationDelete, RoleID: "3"}},
		},
	)
	assert.Equal(t, uint32(0xABCDEF), c.Color)
	assert.Equal(t, "1,2", c.DeletedRoleIDs)
	assert.Equal(t, "3", c.FailedRoleIDs)
	assert.Equal(t, "9", c.CreatedRoleID)
	assert.True(t, c.Assigned)
	assert.Equal(t, "done", c.State)
	assert.Contains(t, c.Error, "delete_role")
}

func TestListColorCommands_DefaultLimit(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	for i := 0; i < defaultColorCommandLimit+5; i++ {
		require.NoError(t, db.Create(&ColorCommand{Intent: "reset"}).Error)
	}
	commands, err := ListColorCommands(context.Background(), db, ColorCommandFilter{})
	require.NoError(t, err)
	assert.Len(t, commands, defaultColorCommandLimit)

	_, found, err := GetColorCommand(context.Background(), db, 100000)
	require.NoError(t, err)
	assert.False(t, found)
}
