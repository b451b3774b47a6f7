package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCredentials(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "credentials.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadCredentials_Minimal(t *testing.T) {
	creds, err := LoadCredentials(writeCredentials(t, `
host: db.example.org
port: 3306
user: sweeper
password: secret
`))

	require.NoError(t, err)
	assert.Equal(t, "db.example.org", creds.Host)
	assert.Equal(t, 3306, creds.Port)
	assert.Equal(t, "sweeper", creds.User)
	assert.Equal(t, "secret", creds.Password)
	assert.Nil(t, creds.SSH)
}

func TestLoadCredentials_SSHDefaults(t *testing.T) {
	creds, err := LoadCredentials(writeCredentials(t, `
host: db.internal
port: 5432
user: sweeper
password: secret
ssh:
  address: jump.example.org
  user: tunnel
  keyfile: /home/sweeper/.ssh/id_ed25519
`))

	require.NoError(t, err)
	require.NotNil(t, creds.SSH)
	assert.Equal(t, 22, creds.SSH.Port)
	// The forward target defaults to the database endpoint.
	assert.Equal(t, "db.internal", creds.SSH.RemoteHost)
	assert.Equal(t, 5432, creds.SSH.RemotePort)
	assert.Equal(t, 0, creds.SSH.LocalPort)
}

func TestLoadCredentials_SSHExplicitForward(t *testing.T) {
	creds, err := LoadCredentials(writeCredentials(t, `
host: db.internal
port: 5432
user: sweeper
ssh:
  address: jump.example.org
  port: 2222
  user: tunnel
  keyfile: /home/sweeper/.ssh/id_ed25519
  local_port: 15432
  remote_host: replica.internal
  remote_port: 6432
`))

	require.NoError(t, err)
	require.NotNil(t, creds.SSH)
	assert.Equal(t, 2222, creds.SSH.Port)
	assert.Equal(t, 15432, creds.SSH.LocalPort)
	assert.Equal(t, "replica.internal", creds.SSH.RemoteHost)
	assert.Equal(t, 6432, creds.SSH.RemotePort)
}

func TestLoadCredentials_MissingFile(t *testing.T) {
	_, err := LoadCredentials(filepath.Join(t.TempDir(), "absent.yml"))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoCredentialsFile)
}

func TestLoadCredentials_MissingHost(t *testing.T) {
	_, err := LoadCredentials(writeCredentials(t, `
user: sweeper
password: secret
`))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoadCredentials_SSHWithoutAddress(t *testing.T) {
	_, err := LoadCredentials(writeCredentials(t, `
host: db.internal
user: sweeper
ssh:
  user: tunnel
`))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}
