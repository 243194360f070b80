package recordstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storeerrors "github.com/clinicbase/clinicbase/internal/errors"
	"github.com/clinicbase/clinicbase/internal/patient"
	"github.com/clinicbase/clinicbase/internal/storage"
)

var fixedNow = time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *storage.SQLiteStore) {
	t.Helper()
	kv, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	s, err := New(kv, 16, func() time.Time { return fixedNow })
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, kv
}

func johnDoe() *patient.Record {
	return patient.New(patient.Input{
		FirstName: "John",
		LastName:  "Doe",
		Residence: "Boston",
		Visits:    []patient.Visit{{Date: "2026-09-01", Notes: map[string]string{"symptoms": "cough"}}},
	}, fixedNow)
}

func TestPutGet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	rec := johnDoe()
	stored, err := s.Put(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, stored.ID)

	got, ok, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Boston", got.Residence)
	assert.Equal(t, "cough", got.Visits[0].Notes["symptoms"])

	// Twice, to go through the cache path when the record was admitted.
	again, ok, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, got, again)
}

func TestGet_Absent(t *testing.T) {
	s, _ := newTestStore(t)
	rec, ok, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, rec)
}

func TestGet_ReturnsClones(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	rec := johnDoe()
	_, err := s.Put(ctx, rec)
	require.NoError(t, err)

	got, _, _ := s.Get(ctx, rec.ID)
	got.FirstName = "Mutated"
	got.Visits[0].Notes["symptoms"] = "mutated"

	again, _, _ := s.Get(ctx, rec.ID)
	assert.Equal(t, "John", again.FirstName)
	assert.Equal(t, "cough", again.Visits[0].Notes["symptoms"])
}

func TestPut_Overwrites(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	rec := johnDoe()
	_, err := s.Put(ctx, rec)
	require.NoError(t, err)
	_, _, _ = s.Get(ctx, rec.ID) // warm the cache

	rec.Residence = "Denver"
	_, err = s.Put(ctx, rec)
	require.NoError(t, err)

	got, ok, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Denver", got.Residence)

	ids, err := s.ListIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{rec.ID}, ids)
}

func TestPut_Validation(t *testing.T) {
	s, kv := newTestStore(t)
	ctx := context.Background()

	rec := johnDoe()
	rec.Age = 200
	_, err := s.Put(ctx, rec)
	require.Error(t, err)
	assert.True(t, storeerrors.IsValidation(err))

	n, _ := kv.Count(ctx, Prefix)
	assert.Zero(t, n, "invalid records are never persisted")
}

func TestDelete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	rec := johnDoe()
	_, err := s.Put(ctx, rec)
	require.NoError(t, err)
	_, _, _ = s.Get(ctx, rec.ID)

	require.NoError(t, s.Delete(ctx, rec.ID))
	_, ok, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	err = s.Delete(ctx, rec.ID)
	require.Error(t, err)
	assert.True(t, storeerrors.IsNotFound(err))
}

func TestAll(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"Ann", "Bob", "Cat"} {
		_, err := s.Put(ctx, patient.New(patient.Input{FirstName: name, LastName: "Lee"}, fixedNow))
		require.NoError(t, err)
	}
	all, err := s.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	ids, err := s.ListIDs(ctx)
	require.NoError(t, err)
	for i, rec := range all {
		assert.Equal(t, ids[i], rec.ID)
	}
}

func TestCorruptedBlobIsStorageError(t *testing.T) {
	s, kv := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, kv.Put(ctx, storage.Item{Key: Key("bad"), Value: []byte(`{"id":"bad",`)}))
	_, _, err := s.Get(ctx, "bad")
	require.Error(t, err)
	assert.True(t, storeerrors.IsStorage(err))

	_, err = s.All(ctx)
	assert.True(t, storeerrors.IsStorage(err))
}

func TestDecode(t *testing.T) {
	rec, err := Decode("a", []byte(`{"id":"a","firstName":"Ann","lastName":"Lee","age":3,"createdAt":"2026-01-01T00:00:00Z","updatedAt":"2026-01-01T00:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, "Ann", rec.FirstName)
	assert.NotNil(t, rec.Visits)

	_, err = Decode("a", []byte(`{"id":"b"}`))
	assert.True(t, storeerrors.IsStorage(err), "id mismatch")

	_, err = Decode("a", []byte(`{"id":"a","shoeSize":42}`))
	assert.True(t, storeerrors.IsStorage(err), "unknown field")
}
