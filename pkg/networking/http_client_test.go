package networking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsLocalhost(t *testing.T) {
	t.Parallel()

	tests := []struct {
		host string
		want bool
	}{
		{"localhost", true},
		{"localhost:8080", true},
		{"127.0.0.1", true},
		{"127.0.0.1:443", true},
		{"::1", true},
		{"[::1]:8080", true},
		{"example.com", false},
		{"localhost.example.com", false},
		{"10.0.0.1", false},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsLocalhost(tt.host))
		})
	}
}

func TestValidateEndpointURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		endpoint string
		wantErr  bool
	}{
		{"https allowed", "https://idp.example.com/auth", false},
		{"http localhost allowed", "http://localhost:8080/auth", false},
		{"http loopback allowed", "http://127.0.0.1/auth", false},
		{"http remote rejected", "http://idp.example.com/auth", true},
		{"relative rejected", "/auth", true},
		{"other scheme rejected", "ftp://idp.example.com", true},
		{"empty rejected", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := ValidateEndpointURL(tt.endpoint)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
