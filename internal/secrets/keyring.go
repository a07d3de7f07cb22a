// Package secrets seals machine credentials at rest with age.
//
// A sealed value has the form ENC[age:<base64 ciphertext>] and may appear
// anywhere a machine file accepts a password, directly or through a
// ${{ .Env.VAR }} reference to the per-user .env file.
package secrets

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"github.com/felix5572/DeepTI/internal/config"
	"github.com/felix5572/DeepTI/internal/storage/dirstore"
)

const (
	sealPrefix = "ENC[age:"
	sealSuffix = "]"
	keyFile    = ".age-key"
)

var (
	// ErrNoKey is returned when a sealed value is opened without a key file.
	ErrNoKey = errors.New("no age key")
	// ErrNotSealed is returned by Open for values that are not ENC[age:...].
	ErrNotSealed = errors.New("value is not sealed")
)

// KeyPath returns the per-user key file: $GDI_PATH/.age-key.
func KeyPath() string {
	return filepath.Join(config.GDIPath(), keyFile)
}

// Keyring holds the X25519 identity that seals and opens credentials.
type Keyring struct {
	path string
	id   *age.X25519Identity
}

// CreateKeyring opens the key at path, generating it on first use.
func CreateKeyring(path string) (*Keyring, error) {
	if _, err := os.Stat(path); err == nil {
		return OpenKeyring(path)
	}

	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate age identity: %w", err)
	}
	content := fmt.Sprintf("# gdi machine credentials\n# public key: %s\n%s\n", id.Recipient(), id)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	if err := dirstore.WriteFileAtomic(path, []byte(content), 0o600); err != nil {
		return nil, fmt.Errorf("write age key: %w", err)
	}
	return &Keyring{path: path, id: id}, nil
}

// OpenKeyring loads an existing key file.
func OpenKeyring(path string) (*Keyring, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s (run `gdi secret keygen`)", ErrNoKey, path)
		}
		return nil, fmt.Errorf("read age key: %w", err)
	}

	ids, err := age.ParseIdentities(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for _, id := range ids {
		if x, ok := id.(*age.X25519Identity); ok {
			return &Keyring{path: path, id: x}, nil
		}
	}
	return nil, fmt.Errorf("%w: no X25519 identity in %s", ErrNoKey, path)
}

func (k *Keyring) Path() string { return k.path }

// PublicKey returns the age recipient string of the key.
func (k *Keyring) PublicKey() string { return k.id.Recipient().String() }

// Seal encrypts plaintext into an ENC[age:...] value.
func (k *Keyring) Seal(plaintext string) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, k.id.Recipient())
	if err != nil {
		return "", fmt.Errorf("seal: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("seal: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("seal: %w", err)
	}
	return sealPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()) + sealSuffix, nil
}

// Open decrypts an ENC[age:...] value.
func (k *Keyring) Open(sealed string) (string, error) {
	if !IsSealed(sealed) {
		return "", ErrNotSealed
	}
	raw, err := base64.StdEncoding.DecodeString(sealed[len(sealPrefix) : len(sealed)-len(sealSuffix)])
	if err != nil {
		return "", fmt.Errorf("open sealed value: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), k.id)
	if err != nil {
		return "", fmt.Errorf("open sealed value: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("open sealed value: %w", err)
	}
	return string(plain), nil
}

// IsSealed reports whether s has the ENC[age:...] form.
func IsSealed(s string) bool {
	return strings.HasPrefix(s, sealPrefix) && strings.HasSuffix(s, sealSuffix)
}

// Reveal returns value as is unless it is sealed, in which case it is
// opened with the key at keyPath. Plain values never touch the key file.
func Reveal(value, keyPath string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	k, err := OpenKeyring(keyPath)
	if err != nil {
		return "", err
	}
	return k.Open(value)
}
