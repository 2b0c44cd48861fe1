package kiroproxy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// onDiskCredential mirrors Credential's JSON shape but keeps AuthMethod as
// a raw string so aliases ("builder-id", "iam") can be normalized during
// load instead of failing unmarshal.
type onDiskCredential struct {
	ID           string    `json:"id"`
	RefreshToken string    `json:"refreshToken"`
	AccessToken  string    `json:"accessToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
	ProfileArn   string    `json:"profileArn,omitempty"`
	AuthMethod   string    `json:"authMethod"`
	ClientID     string    `json:"clientId,omitempty"`
	ClientSecret string    `json:"clientSecret,omitempty"`
	Priority     int       `json:"priority"`
	AuthRegion   string    `json:"authRegion,omitempty"`
	APIRegion    string    `json:"apiRegion,omitempty"`
	MachineID    string    `json:"machineId,omitempty"`
	Email        string    `json:"email,omitempty"`
	Enabled      bool      `json:"enabled"`
	SuccessCount int64     `json:"successCount"`
	FailureCount int64     `json:"failureCount"`
	LastUsed     time.Time `json:"lastUsed,omitempty"`
}

func (c onDiskCredential) toCredential() *Credential {
	cred := &Credential{
		ID:           c.ID,
		RefreshToken: c.RefreshToken,
		AccessToken:  c.AccessToken,
		ExpiresAt:    c.ExpiresAt,
		ProfileArn:   c.ProfileArn,
		AuthMethod:   normalizeAuthMethod(c.AuthMethod),
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Priority:     c.Priority,
		AuthRegion:   c.AuthRegion,
		APIRegion:    c.APIRegion,
		MachineID:    c.MachineID,
		Email:        c.Email,
		Enabled:      c.Enabled,
		SuccessCount: c.SuccessCount,
		FailureCount: c.FailureCount,
		LastUsed:     c.LastUsed,
	}
	cred.RefreshTokenHash = hashRefreshToken(cred.RefreshToken)
	return cred
}

func fromCredential(c *Credential) onDiskCredential {
	return onDiskCredential{
		ID:           c.ID,
		RefreshToken: c.RefreshToken,
		AccessToken:  c.AccessToken,
		ExpiresAt:    c.ExpiresAt,
		ProfileArn:   c.ProfileArn,
		AuthMethod:   string(c.AuthMethod),
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Priority:     c.Priority,
		AuthRegion:   c.AuthRegion,
		APIRegion:    c.APIRegion,
		MachineID:    c.MachineID,
		Email:        c.Email,
		Enabled:      c.Enabled,
		SuccessCount: c.SuccessCount,
		FailureCount: c.FailureCount,
		LastUsed:     c.LastUsed,
	}
}

func hashRefreshToken(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// CredentialStore is the single-writer, file-backed persistence layer for
// the credential pool. Every mutation is written back to disk immediately
// via write-to-temp-then-rename so a crash mid-write never leaves a
// truncated file behind.
type CredentialStore struct {
	mu    sync.Mutex
	path  string
	creds []*Credential
}

// LoadCredentialStore reads path, accepting either a bare credential
// object or a JSON array of them, and normalizes AuthMethod aliases as it
// loads. A missing file is not an error: it starts an empty store that
// will create the file on first write.
func LoadCredentialStore(path string) (*CredentialStore, error) {
	s := &CredentialStore{path: path}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading credential store %s: %w", path, err)
	}
	if len(raw) == 0 {
		return s, nil
	}

	var asArray []onDiskCredential
	if err := safeUnmarshal(raw, &asArray); err == nil {
		s.creds = make([]*Credential, len(asArray))
		for i, c := range asArray {
			s.creds[i] = c.toCredential()
		}
		return s, nil
	}

	var single onDiskCredential
	if err := safeUnmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("parsing credential store %s: %w", path, err)
	}
	s.creds = []*Credential{single.toCredential()}
	return s, nil
}

// List returns a snapshot copy of every credential in the store.
func (s *CredentialStore) List() []*Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Credential, len(s.creds))
	for i, c := range s.creds {
		cp := *c
		out[i] = &cp
	}
	return out
}

// Get returns a copy of the credential with the given id, if present.
func (s *CredentialStore) Get(id string) (*Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.creds {
		if c.ID == id {
			cp := *c
			return &cp, true
		}
	}
	return nil, false
}

// Add appends a new credential and persists the store.
func (s *CredentialStore) Add(c *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.creds {
		if existing.ID == c.ID {
			return fmt.Errorf("credential %q already exists", c.ID)
		}
	}
	c.RefreshTokenHash = hashRefreshToken(c.RefreshToken)
	cp := *c
	s.creds = append(s.creds, &cp)
	return s.persistLocked()
}

// Delete removes the credential with the given id and persists the store.
func (s *CredentialStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.creds {
		if c.ID == id {
			s.creds = append(s.creds[:i], s.creds[i+1:]...)
			return s.persistLocked()
		}
	}
	return fmt.Errorf("credential %q not found", id)
}

// Patch applies mutate to the stored credential in place and persists the
// result. mutate runs under the store's lock, so it must not call back
// into the store.
func (s *CredentialStore) Patch(id string, mutate func(*Credential)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.creds {
		if c.ID == id {
			mutate(c)
			return s.persistLocked()
		}
	}
	return fmt.Errorf("credential %q not found", id)
}

// ReplaceTokens updates only the cached access token and expiry. The
// Token Manager's refresh path does not use it: it calls Patch directly,
// since a refresh may also update the profile ARN, refresh token and email.
func (s *CredentialStore) ReplaceTokens(id, accessToken string, expiresAt time.Time) error {
	return s.Patch(id, func(c *Credential) {
		c.AccessToken = accessToken
		c.ExpiresAt = expiresAt
	})
}

// persistLocked writes the full credential list back to disk, always as a
// JSON array regardless of how the file was originally shaped, via
// write-to-temp-then-rename so readers never observe a partial write.
func (s *CredentialStore) persistLocked() error {
	out := make([]onDiskCredential, len(s.creds))
	for i, c := range s.creds {
		out[i] = fromCredential(c)
	}

	data, err := marshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding credential store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating credential store dir: %w", err)
		}
	}

	tmp, err := os.CreateTemp(dir, ".credentials-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp credential file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp credential file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp credential file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("renaming credential file into place: %w", err)
	}
	return nil
}
