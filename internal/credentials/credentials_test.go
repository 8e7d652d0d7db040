package credentials

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"monthlyload/pkg/errors"
	"monthlyload/pkg/models"
)

func TestManagerBackends(t *testing.T) {
	tests := []struct {
		name       string
		useKeyring bool
		setup      func(t *testing.T)
	}{
		{
			name:       "keyring",
			useKeyring: true,
			setup:      func(t *testing.T) { keyring.MockInit() },
		},
		{
			name:       "encrypted file",
			useKeyring: false,
			setup:      func(t *testing.T) {},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setup(t)
			m := NewManager(t.TempDir(), WithKeyring(tt.useKeyring))
			assert.Equal(t, tt.name, m.Backend())

			_, err := m.Get("snowflake_default")
			assert.True(t, errors.HasCode(err, errors.ErrCodeCredentials))

			require.NoError(t, m.Set("snowflake_default", "s3cr3t!"))
			got, err := m.Get("snowflake_default")
			require.NoError(t, err)
			assert.Equal(t, "s3cr3t!", got)

			require.NoError(t, m.Set("snowflake_default", "rotated"))
			got, err = m.Get("snowflake_default")
			require.NoError(t, err)
			assert.Equal(t, "rotated", got)

			require.NoError(t, m.Delete("snowflake_default"))
			_, err = m.Get("snowflake_default")
			assert.Error(t, err)

			err = m.Delete("snowflake_default")
			assert.True(t, errors.HasCode(err, errors.ErrCodeCredentials))
		})
	}
}

func TestEncryptedFileIsNotPlaintext(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, WithKeyring(false))
	require.NoError(t, m.Set("prod", "hunter2-very-secret"))

	data, err := os.ReadFile(filepath.Join(dir, "prod.cred"))
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(data), "hunter2-very-secret"))

	info, err := os.Stat(filepath.Join(dir, "prod.cred"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// A second manager reuses the stored master key.
	other := NewManager(dir, WithKeyring(false))
	got, err := other.Get("prod")
	require.NoError(t, err)
	assert.Equal(t, "hunter2-very-secret", got)
}

func TestCorruptMasterKey(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, NewManager(dir, WithKeyring(false)).Set("prod", "pw"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".master"), []byte("short"), 0600))

	_, err := NewManager(dir, WithKeyring(false)).Get("prod")
	assert.True(t, errors.HasCode(err, errors.ErrCodeCredentials))
}

func TestInvalidNames(t *testing.T) {
	m := NewManager(t.TempDir(), WithKeyring(false))

	for _, name := range []string{"", "../escape", "a/b", "with space"} {
		t.Run(name, func(t *testing.T) {
			err := m.Set(name, "pw")
			assert.True(t, errors.HasCode(err, errors.ErrCodeValidationFailed))
		})
	}

	err := m.Set("ok", "")
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidationFailed))
}

func TestResolve(t *testing.T) {
	m := NewManager(t.TempDir(), WithKeyring(false))
	require.NoError(t, m.Set("snowflake_default", "from-store"))

	tests := []struct {
		name     string
		cfg      models.Snowflake
		want     string
		wantCode errors.ErrorCode
	}{
		{
			name: "inline password wins",
			cfg:  models.Snowflake{Password: "inline", Credential: "snowflake_default"},
			want: "inline",
		},
		{
			name: "stored credential",
			cfg:  models.Snowflake{Credential: "snowflake_default"},
			want: "from-store",
		},
		{
			name:     "missing credential",
			cfg:      models.Snowflake{Credential: "other"},
			wantCode: errors.ErrCodeCredentials,
		},
		{
			name:     "nothing configured",
			cfg:      models.Snowflake{},
			wantCode: errors.ErrCodeConfigInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.Resolve(tt.cfg)
			if tt.wantCode != "" {
				assert.True(t, errors.HasCode(err, tt.wantCode))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsKeyringAvailableHonoursEnv(t *testing.T) {
	t.Setenv(EnvUseKeyring, "false")
	assert.False(t, isKeyringAvailable())
	assert.Equal(t, "encrypted file", NewManager(t.TempDir()).Backend())
}
