// ABOUTME: Per-tenant Matrix credentials stored as TOML in the tenant's profile directory
// ABOUTME: Supports ${VAR} expansion so tokens can come from the environment

package matrix

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

// CredentialsFile is the name of the credentials file inside a profile directory.
const CredentialsFile = "matrix.toml"

// ErrNoCredentials is returned when a tenant has not been provisioned.
var ErrNoCredentials = errors.New("matrix credentials not provisioned")

// Credentials identify the account a tenant's connection logs in as.
type Credentials struct {
	Homeserver  string `toml:"homeserver"`
	UserID      string `toml:"user_id"`
	AccessToken string `toml:"access_token"`
}

// LoadCredentials reads <profileDir>/matrix.toml.
func LoadCredentials(profileDir string) (*Credentials, error) {
	data, err := os.ReadFile(filepath.Join(profileDir, CredentialsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("reading credentials: %w", err)
	}

	var creds Credentials
	if _, err := toml.Decode(expandEnvVars(string(data)), &creds); err != nil {
		return nil, fmt.Errorf("parsing credentials: %w", err)
	}

	if err := creds.Validate(); err != nil {
		return nil, err
	}
	return &creds, nil
}

// Validate checks that required fields are present.
func (c *Credentials) Validate() error {
	if c.Homeserver == "" {
		return fmt.Errorf("homeserver is required")
	}
	u, err := url.Parse(c.Homeserver)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("homeserver must be an http(s) URL")
	}
	if !strings.HasPrefix(c.UserID, "@") {
		return fmt.Errorf("user_id must be a full Matrix ID like @bot:example.org")
	}
	if c.AccessToken == "" {
		return fmt.Errorf("access_token is required")
	}
	return nil
}

func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(re.FindStringSubmatch(match)[1])
	})
}
