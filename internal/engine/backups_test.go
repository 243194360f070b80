package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storeerrors "github.com/clinicbase/clinicbase/internal/errors"
	"github.com/clinicbase/clinicbase/internal/patient"
)

func entriesJSON(t *testing.T, entries []patient.SummaryEntry) string {
	t.Helper()
	data, err := json.Marshal(entries)
	require.NoError(t, err)
	return string(data)
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	people := seedClinic(t, env)

	before, err := env.e.Search(ctx, "", SearchOptions{})
	require.NoError(t, err)
	john, _, err := env.e.GetRecord(ctx, people["John"])
	require.NoError(t, err)

	info, err := env.e.CreateBackup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, info.RecordCount)
	assert.Positive(t, info.Size)
	require.NotNil(t, env.e.Meta().LastBackupTimestamp)
	assert.True(t, env.e.Meta().LastBackupTimestamp.Equal(env.clock.Now()))

	env.clock.Advance(time.Hour)
	_, err = env.e.UpdateRecord(ctx, people["John"], patient.Patch{Residence: strPtr("Paris")})
	require.NoError(t, err)
	_, err = env.e.DeleteRecord(ctx, people["Mary"])
	require.NoError(t, err)
	extra := env.create(t, patient.Input{FirstName: "Late", LastName: "Comer"})
	require.NoError(t, env.e.ClearAll(ctx))

	cleared, err := env.e.Search(ctx, "", SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, cleared)

	require.NoError(t, env.e.RestoreFromBackup(ctx, info.Key))

	after, err := env.e.Search(ctx, "", SearchOptions{})
	require.NoError(t, err)
	assert.JSONEq(t, entriesJSON(t, before), entriesJSON(t, after))

	got, ok, err := env.e.GetRecord(ctx, people["John"])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Boston", got.Residence)
	assert.True(t, john.UpdatedAt.Equal(got.UpdatedAt))

	_, ok, err = env.e.GetRecord(ctx, extra)
	require.NoError(t, err)
	assert.False(t, ok)

	// The restored store still knows about the backup it came from.
	backups, err := env.e.ListBackups(ctx)
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, info.Key, backups[0].Key)
	env.assertHealthy(t)

	// Restored state survives a reopen.
	env.reopen(t)
	reloaded, err := env.e.Search(ctx, "", SearchOptions{})
	require.NoError(t, err)
	assert.JSONEq(t, entriesJSON(t, before), entriesJSON(t, reloaded))
}

func TestBackupRotation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.create(t, patient.Input{FirstName: "Rot", LastName: "Ation"})

	var keys []string
	for i := 0; i < 7; i++ {
		info, err := env.e.CreateBackup(ctx)
		require.NoError(t, err)
		keys = append(keys, info.Key)
		env.clock.Advance(time.Second)
	}

	list, err := env.e.ListBackups(ctx)
	require.NoError(t, err)
	require.Len(t, list, 5)
	for i, info := range list {
		assert.Equal(t, keys[6-i], info.Key, "newest first")
	}

	err = env.e.RestoreFromBackup(ctx, keys[0])
	assert.True(t, storeerrors.IsNotFound(err), "rotated backup is gone: %v", err)
}

func TestBackupRotation_CustomKeep(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.BackupKeep = 2 })
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := env.e.CreateBackup(ctx)
		require.NoError(t, err)
		env.clock.Advance(time.Second)
	}
	list, err := env.e.ListBackups(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestRestoreFromBackup_NotFound(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t, patient.Input{FirstName: "Keep", LastName: "Me"})

	err := env.e.RestoreFromBackup(context.Background(), "backup:00000000000000000001")
	require.Error(t, err)
	assert.True(t, storeerrors.IsNotFound(err))

	_, ok, err := env.e.GetRecord(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok, "failed restore leaves the store untouched")
}

func TestBackupOfEmptyStore(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	info, err := env.e.CreateBackup(ctx)
	require.NoError(t, err)
	assert.Zero(t, info.RecordCount)

	env.create(t, patient.Input{FirstName: "New", LastName: "Comer"})
	require.NoError(t, env.e.RestoreFromBackup(ctx, info.Key))

	all, err := env.e.Search(ctx, "", SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, all)
	env.assertHealthy(t)
}
