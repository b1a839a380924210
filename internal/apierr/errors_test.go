package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("authorize: %w", Newf(KeyExpired, "key expired at %s", "yesterday"))

	assert.True(t, errors.Is(err, ErrKeyExpired))
	assert.False(t, errors.Is(err, ErrKeyInactive))
	assert.Equal(t, KeyExpired, CodeOf(err))
}

func TestStorageWrapsOnlyUnclassified(t *testing.T) {
	raw := errors.New("connection reset")
	wrapped := Storage(raw)

	assert.True(t, errors.Is(wrapped, ErrStorageUnavailable))
	assert.True(t, errors.Is(wrapped, raw))
	assert.Equal(t, KindStorage, CodeOf(wrapped).Kind())

	denial := Storage(ErrKeyNotFound)
	assert.Equal(t, KeyNotFound, CodeOf(denial))
	assert.Nil(t, Storage(nil))
}

func TestCodeOfUnclassified(t *testing.T) {
	assert.Equal(t, Internal, CodeOf(errors.New("boom")))
	assert.Equal(t, http.StatusInternalServerError, CodeOf(errors.New("boom")).HTTPStatus())
}

func TestKindsAndStatuses(t *testing.T) {
	cases := []struct {
		code   Code
		kind   Kind
		status int
	}{
		{KeyNotFound, KindAuthorization, http.StatusUnauthorized},
		{KeyExpired, KindAuthorization, http.StatusForbidden},
		{RateLimited, KindAuthorization, http.StatusTooManyRequests},
		{CodeExhausted, KindRedemption, http.StatusGone},
		{AlreadyRedeemed, KindRedemption, http.StatusConflict},
		{AllBackendsUnavailable, KindBackend, http.StatusServiceUnavailable},
		{StorageUnavailable, KindStorage, http.StatusServiceUnavailable},
		{InvalidRequest, KindInvalid, http.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			assert.Equal(t, tc.kind, tc.code.Kind())
			assert.Equal(t, tc.status, tc.code.HTTPStatus())
		})
	}
}

func TestWithDetailsCopies(t *testing.T) {
	detailed := ErrAllBackendsUnavailable.WithDetails([]string{"gemini"})

	assert.Nil(t, ErrAllBackendsUnavailable.Details)
	assert.Equal(t, []string{"gemini"}, detailed.Details)
	assert.True(t, errors.Is(detailed, ErrAllBackendsUnavailable))
}
