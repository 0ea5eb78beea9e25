package errors_test

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fserrs "github.com/jdholdren/feedshare/internal/errors"
)

func TestEConstructor(t *testing.T) {
	got := fserrs.E(
		"something went wrong",
		fserrs.Detail{Field: "name", Error: "was bad"},
		http.StatusBadRequest,
	)
	want := &fserrs.Error{
		Err: errors.New("something went wrong"),
		Details: []fserrs.Detail{
			{Field: "name", Error: "was bad"},
		},
		Status: http.StatusBadRequest,
	}

	assert.Equal(t, want, got)
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := fserrs.E(cause, http.StatusBadGateway)

	require.ErrorIs(t, err, cause)
}
