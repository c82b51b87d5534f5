package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("server:\n  url: wss://example.test/socket\nauth:\n  token: t\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	// When no config exists anywhere, should error. Override
	// searchPathsFunc to avoid finding real config files on
	// developer/deploy machines.
	dir := t.TempDir()
	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{filepath.Join(dir, "config.yaml")}
	}
	defer func() { searchPathsFunc = orig }()

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("server:\n  url: wss://example.test/socket\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("server:\n  url: wss://example.test/socket\nauth:\n  token: ${PRESENCE_TEST_TOKEN}\n"), 0600)
	os.Setenv("PRESENCE_TEST_TOKEN", "secret123")
	defer os.Unsetenv("PRESENCE_TEST_TOKEN")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Auth.Token != "secret123" {
		t.Errorf("token = %q, want %q", cfg.Auth.Token, "secret123")
	}
}

func TestLoad_MissingURLFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("auth:\n  token: t\n"), 0600)

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for missing server.url")
	}
}

func TestLoad_MissingAuthFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("server:\n  url: wss://example.test/socket\n"), 0600)

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for missing auth.token/token_file")
	}
}

func TestApplyDefaults_Throttle(t *testing.T) {
	cfg := &Config{Server: ServerConfig{URL: "wss://x", Throttle: 0}}
	cfg.applyDefaults()
	if cfg.Server.Throttle != 100_000_000 { // 100ms in ns
		t.Errorf("default Throttle = %v, want 100ms", cfg.Server.Throttle)
	}
}

func TestApplyDefaults_ReachabilityProbeURL(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	if cfg.Reachability.ProbeURL == "" {
		t.Error("expected a default reachability probe URL")
	}
}

func TestAuthToken_PrefersInlineToken(t *testing.T) {
	cfg := &Config{Auth: AuthConfig{Token: "inline", TokenFile: "/nonexistent"}}
	got, err := cfg.AuthToken()
	if err != nil {
		t.Fatalf("AuthToken: %v", err)
	}
	if got != "inline" {
		t.Errorf("AuthToken() = %q, want inline", got)
	}
}

func TestAuthToken_ReadsFileAndTrims(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	os.WriteFile(path, []byte("file-token\n"), 0600)

	cfg := &Config{Auth: AuthConfig{TokenFile: path}}
	got, err := cfg.AuthToken()
	if err != nil {
		t.Fatalf("AuthToken: %v", err)
	}
	if got != "file-token" {
		t.Errorf("AuthToken() = %q, want file-token", got)
	}
}

func TestToOptions(t *testing.T) {
	cfg := &Config{Server: ServerConfig{URL: "wss://x", PublicKey: "pub", UID: "uid"}}
	opts := cfg.ToOptions(nil)
	if opts.URL != "wss://x" || opts.PublicKey != "pub" || opts.UID != "uid" {
		t.Errorf("ToOptions() = %+v, want matching Server fields", opts)
	}
}
