package smartlink

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Credential is what survives between runs: the refresh token of a login.
type Credential struct {
	Email        string `yaml:"email"`
	RefreshToken string `yaml:"refresh_token"`
}

type CredentialStore interface {
	Load(email string) (Credential, bool)
	Save(cred Credential) error
	Delete(email string)
}

type MemoryCredentials struct {
	mu    sync.Mutex
	creds map[string]Credential
}

func NewMemoryCredentials() *MemoryCredentials {
	return &MemoryCredentials{creds: make(map[string]Credential)}
}

func (m *MemoryCredentials) Load(email string) (Credential, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[strings.ToLower(email)]
	return c, ok
}

func (m *MemoryCredentials) Save(cred Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[strings.ToLower(cred.Email)] = cred
	return nil
}

func (m *MemoryCredentials) Delete(email string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, strings.ToLower(email))
}

// FileCredentials keeps credentials in a YAML file readable only by the owner.
type FileCredentials struct {
	path string
	mem  *MemoryCredentials
}

func OpenFileCredentials(path string) (*FileCredentials, error) {
	fc := &FileCredentials{path: path, mem: NewMemoryCredentials()}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return fc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	var list []Credential
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	for _, c := range list {
		fc.mem.Save(c)
	}
	return fc, nil
}

func (f *FileCredentials) Load(email string) (Credential, bool) {
	return f.mem.Load(email)
}

func (f *FileCredentials) Save(cred Credential) error {
	f.mem.Save(cred)
	return f.flush()
}

func (f *FileCredentials) Delete(email string) {
	f.mem.Delete(email)
	f.flush()
}

func (f *FileCredentials) flush() error {
	f.mem.mu.Lock()
	list := make([]Credential, 0, len(f.mem.creds))
	for _, c := range f.mem.creds {
		list = append(list, c)
	}
	f.mem.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].Email < list[j].Email })

	data, err := yaml.Marshal(list)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(f.path, data, 0o600)
}
