package lobby

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefreshPasswordsParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/room/room-1/slots_passwords", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		w.Write([]byte(`[
			{"slot_number": 1, "player_name": "alice", "password": "secret"},
			{"slot_number": 2, "player_name": "bob", "password": null}
		]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", "room-1")
	passwords, err := c.RefreshPasswords(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "secret", passwords[1])
	assert.Equal(t, "", passwords[2])
}

func TestRefreshPasswordsErrorsOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", "room-1")
	_, err := c.RefreshPasswords(context.Background())
	assert.Error(t, err)
}
