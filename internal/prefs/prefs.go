// Package prefs persists the user's settings between runs.
package prefs

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/0w0mewo/flexlink-cli/internal/models"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	DefaultStation = "flexlink"
	DefaultProgram = "flexlink-cli"
)

// Policy holds the behaviours that differ between tester variants.
type Policy struct {
	ClearOnStart bool `yaml:"clearOnStart"`
	ClearOnStop  bool `yaml:"clearOnStop"`
	ClearOnSend  bool `yaml:"clearOnSend"`
	// ResumeAudio restarts rx audio after connecting when it was on before.
	ResumeAudio bool `yaml:"resumeAudio"`
}

type Prefs struct {
	LocalEnabled     bool   `yaml:"localEnabled"`
	SmartlinkEnabled bool   `yaml:"smartlinkEnabled"`
	SmartlinkEmail   string `yaml:"smartlinkEmail"`
	LoginRequired    bool   `yaml:"loginRequired"`
	IsGui            bool   `yaml:"isGui"`
	UseDefault       bool   `yaml:"useDefault"`
	// defaults are stored as JSON documents
	GuiDefault    string `yaml:"guiDefault,omitempty"`
	NonGuiDefault string `yaml:"nonGuiDefault,omitempty"`
	RxAudio       bool   `yaml:"rxAudio"`
	TxAudio       bool   `yaml:"txAudio"`

	ShowPings         bool   `yaml:"showPings"`
	MessageFilter     string `yaml:"messageFilter"`
	MessageFilterText string `yaml:"messageFilterText"`

	Station  string `yaml:"station"`
	Program  string `yaml:"program"`
	ClientID string `yaml:"clientId"`

	Policy Policy `yaml:"policy"`
}

func Defaults() Prefs {
	return Prefs{
		LocalEnabled:  true,
		IsGui:         true,
		MessageFilter: "all",
		Station:       DefaultStation,
		Program:       DefaultProgram,
		ClientID:      uuid.NewString(),
		Policy:        Policy{ClearOnStart: true, ClearOnStop: false, ResumeAudio: true},
	}
}

// GuiDefaultValue decodes the gui default, nil when unset or unreadable.
func (p Prefs) GuiDefaultValue() *models.DefaultValue {
	return decodeDefault(p.GuiDefault)
}

func (p Prefs) NonGuiDefaultValue() *models.DefaultValue {
	return decodeDefault(p.NonGuiDefault)
}

func decodeDefault(s string) *models.DefaultValue {
	if s == "" {
		return nil
	}
	var v models.DefaultValue
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		slog.Warn("Ignoring unreadable default", "value", s, "error", err)
		return nil
	}
	return &v
}

func encodeDefault(v *models.DefaultValue) string {
	if v == nil {
		return ""
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// DefaultPath is prefs.yaml in the user's config directory.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "flexlink", "prefs.yaml")
}

// Store is a Prefs document kept in sync with a YAML file. Every setter
// writes the file.
type Store struct {
	path string
	mu   sync.RWMutex
	p    Prefs
}

// Open loads path, starting from Defaults when it does not exist yet.
func Open(path string) (*Store, error) {
	s := &Store{path: path, p: Defaults()}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, s.save()
	}
	if err != nil {
		return nil, fmt.Errorf("read prefs: %w", err)
	}
	if err := yaml.Unmarshal(data, &s.p); err != nil {
		return nil, fmt.Errorf("parse prefs %s: %w", path, err)
	}

	if s.p.ClientID == "" {
		s.p.ClientID = uuid.NewString()
		return s, s.save()
	}
	return s, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Get() Prefs {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.p
}

func (s *Store) SetLocalEnabled(v bool) error {
	return s.update(func(p *Prefs) { p.LocalEnabled = v })
}

func (s *Store) SetSmartlinkEnabled(v bool) error {
	return s.update(func(p *Prefs) { p.SmartlinkEnabled = v })
}

func (s *Store) SetSmartlinkEmail(v string) error {
	return s.update(func(p *Prefs) { p.SmartlinkEmail = v })
}

func (s *Store) SetLoginRequired(v bool) error {
	return s.update(func(p *Prefs) { p.LoginRequired = v })
}

// SetLoginSucceeded records a successful relay login for email.
func (s *Store) SetLoginSucceeded(email string) error {
	return s.update(func(p *Prefs) {
		p.SmartlinkEmail = email
		p.LoginRequired = false
	})
}

func (s *Store) SetIsGui(v bool) error {
	return s.update(func(p *Prefs) { p.IsGui = v })
}

func (s *Store) SetUseDefault(v bool) error {
	return s.update(func(p *Prefs) { p.UseDefault = v })
}

func (s *Store) SetGuiDefault(v *models.DefaultValue) error {
	return s.update(func(p *Prefs) { p.GuiDefault = encodeDefault(v) })
}

func (s *Store) SetNonGuiDefault(v *models.DefaultValue) error {
	return s.update(func(p *Prefs) { p.NonGuiDefault = encodeDefault(v) })
}

func (s *Store) SetRxAudio(v bool) error {
	return s.update(func(p *Prefs) { p.RxAudio = v })
}

func (s *Store) SetTxAudio(v bool) error {
	return s.update(func(p *Prefs) { p.TxAudio = v })
}

func (s *Store) SetShowPings(v bool) error {
	return s.update(func(p *Prefs) { p.ShowPings = v })
}

func (s *Store) SetMessageFilter(filter, text string) error {
	return s.update(func(p *Prefs) {
		p.MessageFilter = filter
		p.MessageFilterText = text
	})
}

func (s *Store) SetIdentity(station, program string) error {
	return s.update(func(p *Prefs) {
		p.Station = station
		p.Program = program
	})
}

func (s *Store) SetPolicy(v Policy) error {
	return s.update(func(p *Prefs) { p.Policy = v })
}

func (s *Store) update(fn func(p *Prefs)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.p)
	return s.saveLocked()
}

func (s *Store) save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	data, err := yaml.Marshal(&s.p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create prefs dir: %w", err)
	}
	// write then rename so a crash never leaves half a file
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write prefs: %w", err)
	}
	return os.Rename(tmp, s.path)
}
