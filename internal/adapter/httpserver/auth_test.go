package httpserver_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pillarhq/ai-router/internal/adapter/httpserver"
	"github.com/pillarhq/ai-router/internal/config"
)

var testArgonParams = httpserver.Argon2Params{
	Memory:      8 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLen:     16,
	KeyLen:      32,
}

func TestHashVerifyPassword(t *testing.T) {
	hash, err := httpserver.HashPassword("s3cret", testArgonParams)
	require.NoError(t, err)
	assert.True(t, httpserver.VerifyPassword("s3cret", hash))
	assert.False(t, httpserver.VerifyPassword("wrong", hash))
}

func TestHashVerifyPassword_NonDefaultKeyLength(t *testing.T) {
	params := testArgonParams
	params.KeyLen = 16
	hash, err := httpserver.HashPassword("s3cret", params)
	require.NoError(t, err)
	assert.True(t, httpserver.VerifyPassword("s3cret", hash))
	assert.False(t, httpserver.VerifyPassword("wrong", hash))

	params.KeyLen = 64
	hash, err = httpserver.HashPassword("s3cret", params)
	require.NoError(t, err)
	assert.True(t, httpserver.VerifyPassword("s3cret", hash))
}

func TestVerifyPassword_MalformedHash(t *testing.T) {
	assert.False(t, httpserver.VerifyPassword("x", ""))
	assert.False(t, httpserver.VerifyPassword("x", "bcrypt$nope"))
	assert.False(t, httpserver.VerifyPassword("x", "argon2id$a$b$c$d$e"))
	assert.False(t, httpserver.VerifyPassword("x", "argon2id$1$8192$1$c2FsdHNhbHRzYWx0c2E$"), "empty stored hash must never verify")
}

func TestHashPassword_UniqueSalt(t *testing.T) {
	h1, err := httpserver.HashPassword("same", testArgonParams)
	require.NoError(t, err)
	h2, err := httpserver.HashPassword("same", testArgonParams)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
	assert.True(t, httpserver.VerifyPassword("same", h1))
	assert.True(t, httpserver.VerifyPassword("same", h2))
}

func TestAdminGuard(t *testing.T) {
	hash, err := httpserver.HashPassword("hunter2", testArgonParams)
	require.NoError(t, err)

	srv := httpserver.NewServer(config.Config{
		AdminUsername:     "admin",
		AdminPasswordHash: hash,
	}, &fakeRouter{}, nil, nil)

	handler := srv.AdminGuard()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name string
		user string
		pass string
		auth bool
		want int
	}{
		{"no credentials", "", "", false, http.StatusUnauthorized},
		{"wrong user", "root", "hunter2", true, http.StatusUnauthorized},
		{"wrong password", "admin", "hunter3", true, http.StatusUnauthorized},
		{"valid", "admin", "hunter2", true, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
			if tt.auth {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")
			}
		})
	}
}
