package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "ENV", "STORE", "JWT_SECRET", "SQLITE_PATH", "FRONTEND_URLS", "ATTACHMENT_FORCE_HTTPS", "MAX_UPLOAD_BYTES"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected port 8080, got %q", cfg.Port)
	}
	if !cfg.IsDevelopment() {
		t.Fatalf("expected development, got %q", cfg.Env)
	}
	if cfg.JWTSecret != devJWTSecret {
		t.Fatal("expected development secret fallback")
	}
	if !cfg.AttachmentForceHTTPS {
		t.Fatal("expected https upgrade on by default")
	}
	if cfg.MaxUploadBytes != 10<<20 {
		t.Fatalf("unexpected upload limit %d", cfg.MaxUploadBytes)
	}
	if cfg.UsesMemoryStore() {
		t.Fatal("expected sql store by default")
	}
}

func TestLoadLists(t *testing.T) {
	t.Setenv("FRONTEND_URLS", "https://a.example.com, ,https://b.example.com")
	t.Setenv("RATE_LIMIT_WHITELIST", "10.0.0.0/8,127.0.0.1")
	t.Setenv("MAX_UPLOAD_BYTES", "nope")

	cfg := Load()
	if len(cfg.FrontendURLs) != 2 || cfg.FrontendURLs[1] != "https://b.example.com" {
		t.Fatalf("unexpected frontend urls %v", cfg.FrontendURLs)
	}
	if len(cfg.RateLimitWhitelist) != 2 {
		t.Fatalf("unexpected whitelist %v", cfg.RateLimitWhitelist)
	}
	if cfg.MaxUploadBytes != 10<<20 {
		t.Fatalf("expected invalid limit to fall back, got %d", cfg.MaxUploadBytes)
	}
}

func TestLoadProductionRequiresSecret(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("JWT_SECRET", "")

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic without JWT_SECRET in production")
		}
	}()
	Load()
}
