package main

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/TFMV/Mallard/flightserver"
)

func envFromMap(values map[string]string) func(string) string {
	return func(key string) string {
		return values[key]
	}
}

func TestResolveEffectiveConfigDefaults(t *testing.T) {
	resolved := resolveEffectiveConfig(nil, configCLIInputs{}, nil, nil)

	if resolved.Server1.Location != "grpc://localhost:8815" {
		t.Errorf("server1 location default mismatch: %q", resolved.Server1.Location)
	}
	if resolved.Server2.Location != "grpc://localhost:8816" {
		t.Errorf("server2 location default mismatch: %q", resolved.Server2.Location)
	}
	if resolved.Server1.DBPath != "" || resolved.Server2.DBPath != "" {
		t.Error("default databases should be in-memory")
	}
	if resolved.Server1.Auth || resolved.Server2.Auth {
		t.Error("auth should default to off")
	}
	if resolved.Server1.Users["admin"] != "password123" {
		t.Errorf("default users mismatch: %v", resolved.Server1.Users)
	}
	if resolved.Server1.Name != "server1" || resolved.Server2.Name != "server2" {
		t.Errorf("server names mismatch: %q, %q", resolved.Server1.Name, resolved.Server2.Name)
	}
}

func TestResolveEffectiveConfigPrecedence(t *testing.T) {
	authOn := true
	fileCfg := &FileConfig{
		Server1: ServerFileConfig{Location: "grpc://file1:1", DB: "/tmp/file1.db"},
		Server2: ServerFileConfig{Location: "grpc://file2:2", DB: "/tmp/file2.db"},
		Auth:    &authOn,
		Users:   map[string]string{"fileuser": "filepass"},
	}

	env := map[string]string{
		"MALLARD_SERVER1_LOCATION": "grpc://env1:1",
		"MALLARD_SERVER2_LOCATION": "grpc://env2:2",
		"MALLARD_SERVER1_DB":       "/tmp/env1.db",
		"MALLARD_SERVER2_DB":       "/tmp/env2.db",
		"MALLARD_AUTH":             "false",
	}

	resolved := resolveEffectiveConfig(fileCfg, configCLIInputs{
		Set: map[string]bool{
			"server1-location": true,
			"server1-db":       true,
			"auth":             true,
		},
		Server1Location: "grpc://cli1:1",
		Server1DB:       "/tmp/cli1.db",
		Auth:            true,
	}, envFromMap(env), nil)

	// CLI wins where set
	if resolved.Server1.Location != "grpc://cli1:1" {
		t.Errorf("server1 location: CLI should win, got %q", resolved.Server1.Location)
	}
	if resolved.Server1.DBPath != "/tmp/cli1.db" {
		t.Errorf("server1 db: CLI should win, got %q", resolved.Server1.DBPath)
	}
	if !resolved.Server1.Auth || !resolved.Server2.Auth {
		t.Error("auth: CLI should win over MALLARD_AUTH=false")
	}

	// env wins over file where CLI is unset
	if resolved.Server2.Location != "grpc://env2:2" {
		t.Errorf("server2 location: env should win, got %q", resolved.Server2.Location)
	}
	if resolved.Server2.DBPath != "/tmp/env2.db" {
		t.Errorf("server2 db: env should win, got %q", resolved.Server2.DBPath)
	}

	// file-level users survive
	if resolved.Server1.Users["fileuser"] != "filepass" {
		t.Errorf("users should come from config file, got %v", resolved.Server1.Users)
	}
}

func TestResolveEffectiveConfigEnvOverFile(t *testing.T) {
	fileCfg := &FileConfig{
		Server1: ServerFileConfig{Location: "grpc://file1:1"},
	}
	env := map[string]string{"MALLARD_SERVER1_LOCATION": "grpc://env1:1"}

	resolved := resolveEffectiveConfig(fileCfg, configCLIInputs{}, envFromMap(env), nil)
	if resolved.Server1.Location != "grpc://env1:1" {
		t.Errorf("env should override file, got %q", resolved.Server1.Location)
	}
}

func TestResolveEffectiveConfigWarnsOnBadAuthEnv(t *testing.T) {
	var warnings []string
	resolveEffectiveConfig(nil, configCLIInputs{},
		envFromMap(map[string]string{"MALLARD_AUTH": "banana"}),
		func(msg string) { warnings = append(warnings, msg) })

	if len(warnings) != 1 {
		t.Errorf("expected one warning for invalid MALLARD_AUTH, got %v", warnings)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mallard.yaml")
	content := `
server1:
  location: grpc://localhost:9001
  db: /tmp/one.db
server2:
  location: grpc://localhost:9002
auth: true
users:
  admin: secret
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := loadConfigFile(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server1.Location != "grpc://localhost:9001" || cfg.Server1.DB != "/tmp/one.db" {
		t.Errorf("server1 mismatch: %+v", cfg.Server1)
	}
	if cfg.Server2.Location != "grpc://localhost:9002" {
		t.Errorf("server2 mismatch: %+v", cfg.Server2)
	}
	if cfg.Auth == nil || !*cfg.Auth {
		t.Error("auth should parse as true")
	}
	if cfg.Users["admin"] != "secret" {
		t.Errorf("users mismatch: %v", cfg.Users)
	}
}

func TestLoadConfigFileMissing(t *testing.T) {
	if _, err := loadConfigFile("/nonexistent/mallard.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestLoadConfigFileInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("server1: ["), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := loadConfigFile(path); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestServeBothStopsSiblingOnStartupFailure(t *testing.T) {
	// Occupy a port so server1 fails to listen, and reserve a free one for
	// server2. Without the sibling shutdown, serveBoth would block forever
	// with server2 still running.
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer func() { _ = blocker.Close() }()

	free, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	freeAddr := free.Addr().String()
	_ = free.Close()

	srv1, err := flightserver.NewServer(flightserver.Config{Name: "server1", Location: blocker.Addr().String()}, nil)
	if err != nil {
		t.Fatalf("failed to create server1: %v", err)
	}
	srv2, err := flightserver.NewServer(flightserver.Config{Name: "server2", Location: freeAddr}, nil)
	if err != nil {
		t.Fatalf("failed to create server2: %v", err)
	}

	done := make(chan []error, 1)
	go func() { done <- serveBoth(srv1, srv2) }()

	select {
	case errs := <-done:
		if len(errs) == 0 {
			t.Error("expected a listen error from server1")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serveBoth still running after a startup failure")
	}
}
