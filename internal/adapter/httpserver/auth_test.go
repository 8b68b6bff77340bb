package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/llm-chat-gateway/internal/config"
)

var fastArgon2 = Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLen: 8, KeyLen: 16}

func TestHashAndVerifyToken(t *testing.T) {
	encoded, err := HashToken("s3cret", fastArgon2)
	require.NoError(t, err)
	assert.True(t, VerifyToken("s3cret", encoded))
	assert.False(t, VerifyToken("wrong", encoded))

	for _, bad := range []string{"", "bcrypt$1$2$3$4$5", "argon2id$x$1$1$AA$AA", "argon2id$1$1024$0$AA$AA", "argon2id$1$1024$1$!!$AA"} {
		assert.False(t, VerifyToken("s3cret", bad), bad)
	}
}

func TestBearerAuth(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	hash, err := HashToken("hashed-token", fastArgon2)
	require.NoError(t, err)

	tests := []struct {
		name   string
		cfg    config.Config
		header string
		status int
	}{
		{"disabled", config.Config{}, "", http.StatusOK},
		{"plain ok", config.Config{APIToken: "tok"}, "Bearer tok", http.StatusOK},
		{"case insensitive scheme", config.Config{APIToken: "tok"}, "bearer tok", http.StatusOK},
		{"plain wrong", config.Config{APIToken: "tok"}, "Bearer nope", http.StatusUnauthorized},
		{"missing", config.Config{APIToken: "tok"}, "", http.StatusUnauthorized},
		{"basic scheme", config.Config{APIToken: "tok"}, "Basic tok", http.StatusUnauthorized},
		{"hash ok", config.Config{APITokenHash: hash}, "Bearer hashed-token", http.StatusOK},
		{"hash wins over plain", config.Config{APIToken: "tok", APITokenHash: hash}, "Bearer tok", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			BearerAuth(tt.cfg)(next).ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusUnauthorized {
				assert.Equal(t, errTypeAuth, decodeEnvelope(t, rec).Type)
			}
		})
	}
}
