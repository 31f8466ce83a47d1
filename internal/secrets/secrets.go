package secrets

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"
	"github.com/BurntSushi/toml"
)

// Store holds secrets parsed from a TOML file, organised by section.
// Resolution checks the watch-scoped section first, then falls back to [global].
//
// A value is either a plain string or a table of string fields (a structured
// secret), e.g. [global.stats_ftp] with host, user and password.
type Store struct {
	data map[string]map[string]any
}

// Load parses a TOML secrets file and returns a Store.
// If path is empty, returns nil (secrets are optional). Files ending in .age
// are decrypted with the identities in identityPath first.
func Load(path, identityPath string) (*Store, error) {
	if path == "" {
		return nil, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading secrets file %q: %w", path, err)
	}

	if strings.HasSuffix(path, ".age") {
		raw, err = decrypt(raw, identityPath)
		if err != nil {
			return nil, fmt.Errorf("decrypting secrets file %q: %w", path, err)
		}
	}

	var data map[string]map[string]any
	if err := toml.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parsing secrets file %q: %w", path, err)
	}

	return &Store{data: data}, nil
}

// decrypt opens an age-encrypted payload, binary or ASCII-armored.
func decrypt(ciphertext []byte, identityPath string) ([]byte, error) {
	if identityPath == "" {
		return nil, fmt.Errorf("no age identity file configured")
	}
	f, err := os.Open(identityPath)
	if err != nil {
		return nil, fmt.Errorf("opening identity file: %w", err)
	}
	defer f.Close()

	identities, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parsing identity file %q: %w", identityPath, err)
	}

	var src io.Reader = bytes.NewReader(ciphertext)
	if bytes.HasPrefix(bytes.TrimSpace(ciphertext), []byte(armor.Header)) {
		src = armor.NewReader(bufio.NewReader(bytes.NewReader(ciphertext)))
	}

	r, err := age.Decrypt(src, identities...)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

// lookup returns the raw value for key, checking the scoped section then [global].
func (s *Store) lookup(scope, key string) (any, bool) {
	if section, ok := s.data[scope]; ok {
		if val, ok := section[key]; ok {
			return val, true
		}
	}
	if section, ok := s.data["global"]; ok {
		if val, ok := section[key]; ok {
			return val, true
		}
	}
	return nil, false
}

// Resolve looks up a plain secret by key, checking the watch-scoped section
// first then falling back to the [global] section.
func (s *Store) Resolve(scope, key string) (string, error) {
	val, ok := s.lookup(scope, key)
	if !ok {
		return "", fmt.Errorf("secret %q not found for watch %q", key, scope)
	}
	str, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("secret %q is structured; resolve one of its fields", key)
	}
	return str, nil
}

// ResolveField looks up one field of a structured secret.
func (s *Store) ResolveField(scope, secret, field string) (string, error) {
	val, ok := s.lookup(scope, secret)
	if !ok {
		return "", fmt.Errorf("secret %q not found for watch %q", secret, scope)
	}
	fields, ok := val.(map[string]any)
	if !ok {
		return "", fmt.Errorf("secret %q is not structured", secret)
	}
	f, ok := fields[field]
	if !ok {
		return "", fmt.Errorf("secret %q has no field %q", secret, field)
	}
	switch v := f.(type) {
	case string:
		return v, nil
	case int64, bool:
		return fmt.Sprint(v), nil
	default:
		return "", fmt.Errorf("secret %q field %q has unsupported type %T", secret, field, f)
	}
}
