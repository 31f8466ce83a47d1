package secrets

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age"
	"filippo.io/age/armor"
)

const validTOML = `
[global]
ftp_password = "global_ftp"
shared_key = "global_shared"

[devops_stats]
stats_db = "Server=tcp:stats.database.windows.net;User ID=loader;Password=secret"
shared_key = "watch_shared"
`

func writeSecretsFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets.toml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing secrets file: %v", err)
	}
	return path
}

func TestLoad_Valid(t *testing.T) {
	path := writeSecretsFile(t, validTOML)
	store, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}
	if store == nil {
		t.Fatal("Load() returned nil store for valid file")
	}
}

func TestLoad_EmptyPath(t *testing.T) {
	store, err := Load("", "")
	if err != nil {
		t.Fatalf("Load('') unexpected error: %v", err)
	}
	if store != nil {
		t.Error("Load('') should return nil store")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/secrets.toml", "")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := writeSecretsFile(t, "not valid toml [[[")
	_, err := Load(path, "")
	if err == nil {
		t.Error("Load() expected error for invalid TOML, got nil")
	}
}

func TestResolve_WatchScoped(t *testing.T) {
	path := writeSecretsFile(t, validTOML)
	store, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}

	val, err := store.Resolve("devops_stats", "stats_db")
	if err != nil {
		t.Fatalf("Resolve() unexpected error: %v", err)
	}
	if val != "Server=tcp:stats.database.windows.net;User ID=loader;Password=secret" {
		t.Errorf("Resolve() = %q, want stats connection string", val)
	}
}

func TestResolve_GlobalFallback(t *testing.T) {
	path := writeSecretsFile(t, validTOML)
	store, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}

	val, err := store.Resolve("devops_stats", "ftp_password")
	if err != nil {
		t.Fatalf("Resolve() unexpected error: %v", err)
	}
	if val != "global_ftp" {
		t.Errorf("Resolve() = %q, want %q", val, "global_ftp")
	}
}

func TestResolve_WatchOverridesGlobal(t *testing.T) {
	path := writeSecretsFile(t, validTOML)
	store, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}

	val, err := store.Resolve("devops_stats", "shared_key")
	if err != nil {
		t.Fatalf("Resolve() unexpected error: %v", err)
	}
	if val != "watch_shared" {
		t.Errorf("Resolve() = %q, want %q (watch should override global)", val, "watch_shared")
	}
}

func TestResolve_UnknownWatchFallsToGlobal(t *testing.T) {
	path := writeSecretsFile(t, validTOML)
	store, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}

	val, err := store.Resolve("unknown_watch", "ftp_password")
	if err != nil {
		t.Fatalf("Resolve() unexpected error: %v", err)
	}
	if val != "global_ftp" {
		t.Errorf("Resolve() = %q, want %q", val, "global_ftp")
	}
}

func TestResolve_MissingKey(t *testing.T) {
	path := writeSecretsFile(t, validTOML)
	store, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}

	_, err = store.Resolve("devops_stats", "nonexistent")
	if err == nil {
		t.Error("Resolve() expected error for missing key, got nil")
	}
	if !strings.Contains(err.Error(), "nonexistent") {
		t.Errorf("error = %q, want it to contain %q", err, "nonexistent")
	}
}

func TestResolve_EmptyWatchSection(t *testing.T) {
	tomlContent := `
[global]
api_key = "global_api"

[empty_watch]
`
	path := writeSecretsFile(t, tomlContent)
	store, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}

	val, err := store.Resolve("empty_watch", "api_key")
	if err != nil {
		t.Fatalf("Resolve() unexpected error: %v", err)
	}
	if val != "global_api" {
		t.Errorf("Resolve() = %q, want %q (empty watch should fall through to global)", val, "global_api")
	}
}

const structuredTOML = `
[global.stats_ftp]
host = "ftp.example.com"
user = "loader"
password = "hunter2"
port = 2121
tls = true

[global]
plain = "value"
`

func TestResolveField(t *testing.T) {
	path := writeSecretsFile(t, structuredTOML)
	store, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}

	tests := []struct {
		field string
		want  string
	}{
		{"host", "ftp.example.com"},
		{"user", "loader"},
		{"password", "hunter2"},
		{"port", "2121"},
		{"tls", "true"},
	}
	for _, tt := range tests {
		got, err := store.ResolveField("devops_stats", "stats_ftp", tt.field)
		if err != nil {
			t.Fatalf("ResolveField(%q) unexpected error: %v", tt.field, err)
		}
		if got != tt.want {
			t.Errorf("ResolveField(%q) = %q, want %q", tt.field, got, tt.want)
		}
	}
}

func TestResolveField_Errors(t *testing.T) {
	path := writeSecretsFile(t, structuredTOML)
	store, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}

	if _, err := store.ResolveField("devops_stats", "stats_ftp", "missing"); err == nil {
		t.Error("ResolveField(missing field) expected error, got nil")
	}
	if _, err := store.ResolveField("devops_stats", "nonexistent", "host"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("ResolveField(missing secret) error = %v, want not found", err)
	}
	if _, err := store.ResolveField("devops_stats", "plain", "host"); err == nil {
		t.Error("ResolveField(plain secret) expected error, got nil")
	}
	if _, err := store.Resolve("devops_stats", "stats_ftp"); err == nil {
		t.Error("Resolve(structured secret) expected error, got nil")
	}
}

// writeEncrypted encrypts content to a fresh X25519 identity and returns the
// ciphertext path and the identity file path.
func writeEncrypted(t *testing.T, content string, armored bool) (string, string) {
	t.Helper()
	id, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generating identity: %v", err)
	}
	dir := t.TempDir()

	idPath := filepath.Join(dir, "key.txt")
	if err := os.WriteFile(idPath, []byte(id.String()+"\n"), 0o600); err != nil {
		t.Fatalf("writing identity: %v", err)
	}

	path := filepath.Join(dir, "secrets.toml.age")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating ciphertext file: %v", err)
	}
	defer f.Close()

	var armorWriter io.WriteCloser
	var dst io.Writer = f
	if armored {
		aw := armor.NewWriter(f)
		armorWriter = aw
		dst = aw
	}
	w, err := age.Encrypt(dst, id.Recipient())
	if err != nil {
		t.Fatalf("age.Encrypt: %v", err)
	}
	if _, err := w.Write([]byte(content)); err != nil {
		t.Fatalf("writing plaintext: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("closing age writer: %v", err)
	}
	if armorWriter != nil {
		if err := armorWriter.Close(); err != nil {
			t.Fatalf("closing armor writer: %v", err)
		}
	}
	return path, idPath
}

func TestLoad_AgeEncrypted(t *testing.T) {
	for _, armored := range []bool{false, true} {
		name := "binary"
		if armored {
			name = "armored"
		}
		t.Run(name, func(t *testing.T) {
			path, idPath := writeEncrypted(t, validTOML, armored)
			store, err := Load(path, idPath)
			if err != nil {
				t.Fatalf("Load() unexpected error: %v", err)
			}
			val, err := store.Resolve("devops_stats", "stats_db")
			if err != nil {
				t.Fatalf("Resolve() unexpected error: %v", err)
			}
			if !strings.Contains(val, "stats.database.windows.net") {
				t.Errorf("Resolve() = %q, want decrypted connection string", val)
			}
		})
	}
}

func TestLoad_AgeWithoutIdentity(t *testing.T) {
	path, _ := writeEncrypted(t, validTOML, false)
	_, err := Load(path, "")
	if err == nil {
		t.Fatal("Load() expected error without identity, got nil")
	}
	if !strings.Contains(err.Error(), "identity") {
		t.Errorf("error = %q, want it to mention identity", err)
	}
}

func TestLoad_AgeWrongIdentity(t *testing.T) {
	path, _ := writeEncrypted(t, validTOML, false)
	_, otherID := writeEncrypted(t, "other", false)
	if _, err := Load(path, otherID); err == nil {
		t.Fatal("Load() expected error with wrong identity, got nil")
	}
}
