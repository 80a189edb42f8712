package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestOriginPolicyAllows(t *testing.T) {
	p := newOriginPolicy([]string{"http://localhost:8080", " https://Chat.Example.com ", "bogus", ""}, zerolog.Nop())

	tests := []struct {
		origin string
		want   bool
	}{
		{"http://localhost:8080", true},
		{"HTTP://LOCALHOST:8080", true},
		{"https://chat.example.com", true},
		{"http://chat.example.com", false},
		{"http://localhost:9090", false},
		{"", false},
		{"not-a-url", false},
		{"http://", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			assert.Equal(t, tt.want, p.allows(tt.origin))
		})
	}
}

func TestOriginPolicyWildcard(t *testing.T) {
	p := newOriginPolicy([]string{"*"}, zerolog.Nop())
	assert.True(t, p.allows("https://anything.example"))
	assert.False(t, p.allows("garbage"))
}

func TestOriginPolicyCORS(t *testing.T) {
	p := newOriginPolicy([]string{"http://localhost:8080"}, zerolog.Nop())

	r := httptest.NewRequest(http.MethodPost, "/upload", http.NoBody)
	w := httptest.NewRecorder()
	assert.True(t, p.cors(w, r), "same-origin requests carry no Origin")
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	r.Header.Set("Origin", "http://localhost:8080")
	w = httptest.NewRecorder()
	assert.True(t, p.cors(w, r))
	assert.Equal(t, "http://localhost:8080", w.Header().Get("Access-Control-Allow-Origin"))

	r.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	assert.False(t, p.cors(w, r))
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
