package accountstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rakunlabs/swiftcast/internal/crypto"
)

// keyVault is the sibling JSON file holding API keys, keyed by account id,
// per spec §3/§4.1/§6. It never stores keys in the accounts table.
type keyVault struct {
	mu   sync.Mutex
	path string
	key  []byte // nil if encryption disabled
}

func newKeyVault(path, datasource, encryptionKey string) (*keyVault, error) {
	if path == "" {
		dir := filepath.Dir(datasource)
		if dir == "" || dir == "." {
			dir = "."
		}
		path = filepath.Join(dir, ".api_keys.json")
	}

	v := &keyVault{path: path}
	if encryptionKey != "" {
		key, err := crypto.DeriveKey(encryptionKey)
		if err != nil {
			return nil, fmt.Errorf("derive key vault encryption key: %w", err)
		}
		v.key = key
	}

	// Touch the file into existence with an empty map so later reads
	// never race a missing-file case they'd otherwise have to special-case.
	if _, err := os.Stat(v.path); os.IsNotExist(err) {
		if err := v.writeAll(map[string]string{}); err != nil {
			return nil, err
		}
	}

	return v, nil
}

// readAll loads the vault file. A missing file yields an empty map, not an
// error, per spec §4.1.
func (v *keyVault) readAll() (map[string]string, error) {
	data, err := os.ReadFile(v.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read key vault: %w", err)
	}

	var raw map[string]string
	if len(data) == 0 {
		return map[string]string{}, nil
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse key vault: %w", err)
	}

	if v.key == nil {
		return raw, nil
	}

	out := make(map[string]string, len(raw))
	for id, val := range raw {
		plain, err := crypto.Decrypt(val, v.key)
		if err != nil {
			return nil, fmt.Errorf("decrypt key vault entry %q: %w", id, err)
		}
		out[id] = plain
	}
	return out, nil
}

// writeAll atomically replaces the vault file contents (temp file + rename),
// per spec §4.1's "writes the key file atomically".
func (v *keyVault) writeAll(m map[string]string) error {
	toPersist := m
	if v.key != nil {
		toPersist = make(map[string]string, len(m))
		for id, val := range m {
			enc, err := crypto.Encrypt(val, v.key)
			if err != nil {
				return fmt.Errorf("encrypt key vault entry %q: %w", id, err)
			}
			toPersist[id] = enc
		}
	}

	data, err := json.MarshalIndent(toPersist, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal key vault: %w", err)
	}

	dir := filepath.Dir(v.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create key vault dir: %w", err)
		}
	}

	tmp, err := os.CreateTemp(dir, ".api_keys.json.tmp-*")
	if err != nil {
		return fmt.Errorf("create temp key vault file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp key vault file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp key vault file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp key vault file: %w", err)
	}
	if err := os.Rename(tmpName, v.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp key vault file: %w", err)
	}
	return nil
}

// SaveAPIKey writes or overwrites the stored key for an account.
func (v *keyVault) SaveAPIKey(accountID, key string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	m, err := v.readAll()
	if err != nil {
		return err
	}
	m[accountID] = key
	return v.writeAll(m)
}

// GetAPIKey returns the stored key, or a key_not_found error if absent.
func (v *keyVault) GetAPIKey(accountID string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	m, err := v.readAll()
	if err != nil {
		return "", err
	}
	key, ok := m[accountID]
	if !ok {
		return "", newErr(KindKeyNotFound, fmt.Sprintf("no api key for account %q", accountID), nil)
	}
	return key, nil
}

// DeleteAPIKey removes the stored key, if any. Deleting a missing entry is
// not an error.
func (v *keyVault) DeleteAPIKey(accountID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	m, err := v.readAll()
	if err != nil {
		return err
	}
	if _, ok := m[accountID]; !ok {
		return nil
	}
	delete(m, accountID)
	return v.writeAll(m)
}
