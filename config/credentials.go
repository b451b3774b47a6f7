package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Sentinel errors for credentials loading.
var (
	// ErrNoCredentialsFile is returned when the credentials file does not exist.
	ErrNoCredentialsFile = errors.New("credentials file missing")

	// ErrInvalidCredentials is returned when mandatory credential fields are missing.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// defaultSSHPort is used when the ssh block omits a port.
const defaultSSHPort = 22

// SSH describes an optional tunnel to the database host. When present,
// the networked backends connect through a local port forward instead of
// dialing the database host directly.
type SSH struct {
	Address    string `yaml:"address"`
	Port       int    `yaml:"port"`
	User       string `yaml:"user"`
	KeyFile    string `yaml:"keyfile"`
	LocalPort  int    `yaml:"local_port"`
	RemoteHost string `yaml:"remote_host"`
	RemotePort int    `yaml:"remote_port"`
}

// Credentials carries the connection identity for the networked backends.
// The embedded sqlite backend does not use it.
type Credentials struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSH      *SSH   `yaml:"ssh"`
}

// LoadCredentials reads and validates the credentials document at path.
func LoadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoCredentialsFile, path)
		}

		return nil, fmt.Errorf("reading credentials: %w", err)
	}

	var creds Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}

	if creds.Host == "" {
		return nil, fmt.Errorf("%w: host is empty", ErrInvalidCredentials)
	}

	if creds.User == "" {
		return nil, fmt.Errorf("%w: user is empty", ErrInvalidCredentials)
	}

	if creds.SSH != nil {
		if creds.SSH.Address == "" {
			return nil, fmt.Errorf("%w: ssh address is empty", ErrInvalidCredentials)
		}

		if creds.SSH.Port == 0 {
			creds.SSH.Port = defaultSSHPort
		}

		if creds.SSH.RemoteHost == "" {
			creds.SSH.RemoteHost = creds.Host
		}

		if creds.SSH.RemotePort == 0 {
			creds.SSH.RemotePort = creds.Port
		}
	}

	return &creds, nil
}
