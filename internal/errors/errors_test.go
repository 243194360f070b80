package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationError(t *testing.T) {
	verr := &ValidationError{}
	assert.NoError(t, verr.OrNil())

	verr.Add("firstName", "is required")
	verr.Add("age", "must be between %d and %d", 0, 150)
	err := verr.OrNil()
	require.Error(t, err)
	assert.Equal(t, "ErrValidation: firstName: is required; age: must be between 0 and 150", err.Error())
	assert.True(t, IsValidation(err))
	assert.Equal(t, CodeValidation, CodeOf(err))

	var nilErr *ValidationError
	assert.NoError(t, nilErr.OrNil())
}

func TestNewStorage(t *testing.T) {
	assert.NoError(t, NewStorage("get", "k", nil))

	err := NewStorage("get", "record:1", io.ErrUnexpectedEOF)
	assert.True(t, IsStorage(err))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, "ErrStorage: get record:1: unexpected EOF", err.Error())

	// An existing StorageError is not wrapped twice.
	again := NewStorage("apply", "", err)
	assert.Same(t, err, again)
}

func TestKindsMatchThroughWrapping(t *testing.T) {
	cases := []struct {
		err  error
		code string
		is   func(error) bool
	}{
		{NewValidation("id", "is required"), CodeValidation, IsValidation},
		{NewNotFound("record", "abc"), CodeNotFound, IsNotFound},
		{NewStorage("put", "x", io.EOF), CodeStorage, IsStorage},
		{&IntegrityError{Issues: []string{"a", "b"}}, CodeIntegrity, IsIntegrity},
	}
	for _, tc := range cases {
		wrapped := fmt.Errorf("outer: %w", tc.err)
		assert.True(t, tc.is(wrapped), tc.code)
		assert.Equal(t, tc.code, CodeOf(wrapped))
	}

	assert.Equal(t, "", CodeOf(stderrors.New("plain")))
	assert.False(t, IsNotFound(nil))
}

func TestMessages(t *testing.T) {
	assert.Equal(t, "ErrNotFound: visit v1 not found", NewNotFound("visit", "v1").Error())
	assert.Equal(t, "ErrIntegrity: 2 issue(s): a; b", (&IntegrityError{Issues: []string{"a", "b"}}).Error())
}
