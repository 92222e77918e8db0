package server

import (
	"testing"
	"time"
)

func TestApplySecureDefaults(t *testing.T) {
	cfg := applySecureDefaults(&Config{Issuer: testIssuer}, discardLogger())

	if cfg.AuthorizationCodeTTL != DefaultAuthorizationCodeTTL {
		t.Errorf("AuthorizationCodeTTL = %d, want %d", cfg.AuthorizationCodeTTL, DefaultAuthorizationCodeTTL)
	}
	if cfg.Clock == nil {
		t.Error("Clock should default to time.Now")
	}
	if len(cfg.AllowedCustomSchemes) == 0 {
		t.Error("AllowedCustomSchemes should default to the RFC 3986 pattern")
	}
	if !cfg.rotateRefreshTokens() {
		t.Error("refresh token rotation should be on by default")
	}
}

func TestApplySecureDefaults_KeepsExplicitValues(t *testing.T) {
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := applySecureDefaults(&Config{
		Issuer:                      testIssuer,
		AuthorizationCodeTTL:        60,
		DisableRefreshTokenRotation: true,
		AllowedCustomSchemes:        []string{"^myapp$"},
		Clock:                       func() time.Time { return fixed },
	}, discardLogger())

	if cfg.AuthorizationCodeTTL != 60 {
		t.Errorf("AuthorizationCodeTTL = %d, want 60", cfg.AuthorizationCodeTTL)
	}
	if !cfg.Clock().Equal(fixed) {
		t.Error("explicit Clock was replaced")
	}
	if len(cfg.AllowedCustomSchemes) != 1 || cfg.AllowedCustomSchemes[0] != "^myapp$" {
		t.Errorf("AllowedCustomSchemes = %v", cfg.AllowedCustomSchemes)
	}
	if cfg.rotateRefreshTokens() {
		t.Error("rotation should be disabled")
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "valid", config: Config{Issuer: testIssuer, AuthorizationCodeTTL: 600}},
		{name: "missing issuer", config: Config{AuthorizationCodeTTL: 600}, wantErr: true},
		{name: "negative code TTL", config: Config{Issuer: testIssuer, AuthorizationCodeTTL: -1}, wantErr: true},
		{name: "code TTL over ten minutes", config: Config{Issuer: testIssuer, AuthorizationCodeTTL: 601}, wantErr: true},
		{
			name:    "invalid scheme pattern",
			config:  Config{Issuer: testIssuer, AuthorizationCodeTTL: 600, AllowedCustomSchemes: []string{"[invalid"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateConfig(&tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
