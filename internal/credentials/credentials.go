// Package credentials stores the warehouse password outside the
// configuration file: in the OS keyring when one is available, otherwise in
// an AES-GCM encrypted file under the state directory.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"runtime"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/pbkdf2"

	"monthlyload/internal/config"
	"monthlyload/pkg/errors"
	"monthlyload/pkg/models"
)

const (
	keyringService = "monthlyload"

	// EnvUseKeyring set to "false" forces the encrypted file store.
	EnvUseKeyring = "MONTHLYLOAD_USE_KEYRING"

	saltSize         = 32
	pbkdf2Iterations = 100000
	keySize          = 32 // AES-256
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Manager reads and writes named passwords.
type Manager struct {
	dir        string
	useKeyring bool
	masterKey  []byte
}

type storedCredential struct {
	Name  string `json:"name"`
	Value string `json:"value"` // base64 nonce+ciphertext
}

// Option configures a Manager.
type Option func(*Manager)

// WithKeyring overrides keyring detection.
func WithKeyring(use bool) Option {
	return func(m *Manager) { m.useKeyring = use }
}

// NewManager creates a manager whose file store lives in dir.
func NewManager(dir string, opts ...Option) *Manager {
	m := &Manager{
		dir:        dir,
		useKeyring: isKeyringAvailable(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Backend names the active store.
func (m *Manager) Backend() string {
	if m.useKeyring {
		return "keyring"
	}
	return "encrypted file"
}

// Set stores password under name, replacing any previous value.
func (m *Manager) Set(name, password string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if password == "" {
		return errors.ValidationError("password", "", "must not be empty")
	}

	if m.useKeyring {
		if err := keyring.Set(keyringService, name, password); err != nil {
			return credentialError("failed to store credential in keyring", name, err)
		}
		return nil
	}

	encrypted, err := m.encrypt(password)
	if err != nil {
		return credentialError("failed to encrypt credential", name, err)
	}

	data, err := json.MarshalIndent(storedCredential{Name: name, Value: encrypted}, "", "  ")
	if err != nil {
		return credentialError("failed to encode credential", name, err)
	}
	if err := os.MkdirAll(m.dir, config.DirPermissionSecure); err != nil {
		return credentialError("failed to create credentials directory", name, err)
	}
	if err := os.WriteFile(m.path(name), data, config.FilePermissionSecure); err != nil {
		return credentialError("failed to write credential file", name, err)
	}
	return nil
}

// Get returns the password stored under name.
func (m *Manager) Get(name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}

	if m.useKeyring {
		password, err := keyring.Get(keyringService, name)
		if stderrors.Is(err, keyring.ErrNotFound) {
			return "", notFound(name)
		}
		if err != nil {
			return "", credentialError("failed to read credential from keyring", name, err)
		}
		return password, nil
	}

	data, err := os.ReadFile(m.path(name)) // #nosec G304 - name is validated
	if os.IsNotExist(err) {
		return "", notFound(name)
	}
	if err != nil {
		return "", credentialError("failed to read credential file", name, err)
	}

	var stored storedCredential
	if err := json.Unmarshal(data, &stored); err != nil {
		return "", credentialError("failed to decode credential file", name, err)
	}
	password, err := m.decrypt(stored.Value)
	if err != nil {
		return "", credentialError("failed to decrypt credential", name, err)
	}
	return password, nil
}

// Delete removes name. Deleting a missing credential is an error.
func (m *Manager) Delete(name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	if m.useKeyring {
		err := keyring.Delete(keyringService, name)
		if stderrors.Is(err, keyring.ErrNotFound) {
			return notFound(name)
		}
		if err != nil {
			return credentialError("failed to delete credential from keyring", name, err)
		}
		return nil
	}

	err := os.Remove(m.path(name))
	if os.IsNotExist(err) {
		return notFound(name)
	}
	if err != nil {
		return credentialError("failed to delete credential file", name, err)
	}
	return nil
}

// Resolve returns the password for a connection: the configured password
// when set, otherwise the stored credential it names.
func (m *Manager) Resolve(cfg models.Snowflake) (string, error) {
	if cfg.Password != "" {
		return cfg.Password, nil
	}
	if cfg.Credential == "" {
		return "", errors.ConfigError("snowflake.password or snowflake.credential is required", "snowflake.password")
	}
	return m.Get(cfg.Credential)
}

func (m *Manager) path(name string) string {
	return filepath.Join(m.dir, name+".cred")
}

func (m *Manager) masterKeyPath() string {
	return filepath.Join(m.dir, ".master")
}

func (m *Manager) encrypt(plaintext string) (string, error) {
	gcm, err := m.aead()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (m *Manager) decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	gcm, err := m.aead()
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (m *Manager) aead() (cipher.AEAD, error) {
	if m.masterKey == nil {
		key, err := m.loadMasterKey()
		if err != nil {
			return nil, err
		}
		m.masterKey = key
	}

	block, err := aes.NewCipher(m.masterKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// loadMasterKey reads the salt+key file, deriving and writing a new key from
// machine data on first use.
func (m *Manager) loadMasterKey() ([]byte, error) {
	path := m.masterKeyPath()

	data, err := os.ReadFile(path) // #nosec G304 - fixed name under the credentials dir
	if err == nil {
		if len(data) != saltSize+keySize {
			return nil, fmt.Errorf("invalid master key file size")
		}
		return data[saltSize:], nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := pbkdf2.Key([]byte(machineID()), salt, pbkdf2Iterations, keySize, sha256.New)

	if err := os.MkdirAll(m.dir, config.DirPermissionSecure); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, append(salt, key...), config.FilePermissionSecure); err != nil {
		return nil, err
	}
	return key, nil
}

func validateName(name string) error {
	if !namePattern.MatchString(name) {
		return errors.ValidationError("credential", name, "use letters, digits, '.', '_' or '-'")
	}
	return nil
}

func notFound(name string) error {
	return errors.New(errors.ErrCodeCredentials, fmt.Sprintf("credential %q not found", name)).
		WithContext("credential", name).
		WithSuggestions(fmt.Sprintf("Run 'monthlyload credentials set %s'", name))
}

func credentialError(msg, name string, cause error) error {
	return errors.Wrap(cause, errors.ErrCodeCredentials, msg).
		WithContext("credential", name)
}

func isKeyringAvailable() bool {
	if os.Getenv(EnvUseKeyring) == "false" {
		return false
	}

	switch runtime.GOOS {
	case "darwin", "windows":
		return true
	case "linux":
		return os.Getenv("DISPLAY") != "" || os.Getenv("WAYLAND_DISPLAY") != "" ||
			os.Getenv("DBUS_SESSION_BUS_ADDRESS") != ""
	}
	return false
}

func machineID() string {
	hostname, _ := os.Hostname()
	user := os.Getenv("USER")
	if user == "" {
		user = os.Getenv("USERNAME")
	}

	data := fmt.Sprintf("%s-%s-%s-%s", hostname, user, runtime.GOOS, runtime.GOARCH)
	hash := sha256.Sum256([]byte(data))
	return base64.StdEncoding.EncodeToString(hash[:])
}
