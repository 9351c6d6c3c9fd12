package prefs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/0w0mewo/flexlink-cli/internal/models"
)

func TestOpenCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flexlink", "prefs.yaml")

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("prefs file not written: %v", err)
	}

	p := s.Get()
	if !p.LocalEnabled || p.SmartlinkEnabled || p.ClientID == "" || p.Station != DefaultStation {
		t.Errorf("defaults = %+v", p)
	}
}

func TestSettersPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.yaml")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	clientID := s.Get().ClientID

	gui := &models.DefaultValue{Serial: "1234-5678-9012-3456", Source: models.SourceLocal}
	steps := []error{
		s.SetSmartlinkEnabled(true),
		s.SetLoginRequired(true),
		s.SetLoginSucceeded("op@example.com"),
		s.SetRxAudio(true),
		s.SetGuiDefault(gui),
		s.SetPolicy(Policy{ClearOnStop: true}),
	}
	for i, err := range steps {
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	p := reopened.Get()
	if !p.SmartlinkEnabled || p.LoginRequired || p.SmartlinkEmail != "op@example.com" || !p.RxAudio {
		t.Errorf("reloaded = %+v", p)
	}
	if p.ClientID != clientID {
		t.Errorf("ClientID = %q; want %q", p.ClientID, clientID)
	}
	if got := p.GuiDefaultValue(); got == nil || *got != *gui {
		t.Errorf("GuiDefault = %+v; want %+v", got, gui)
	}
	if p.NonGuiDefaultValue() != nil {
		t.Error("NonGuiDefault should be unset")
	}
	if !p.Policy.ClearOnStop || p.Policy.ClearOnStart {
		t.Errorf("Policy = %+v", p.Policy)
	}
}

func TestClearDefault(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "prefs.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	s.SetNonGuiDefault(&models.DefaultValue{Serial: "A", Station: "Shack", Source: models.SourceSmartlink})
	s.SetNonGuiDefault(nil)
	if s.Get().NonGuiDefaultValue() != nil {
		t.Error("default not cleared")
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.yaml")
	os.WriteFile(path, []byte("localEnabled: [unclosed"), 0o644)

	if _, err := Open(path); err == nil {
		t.Error("Open should fail on unparsable file")
	}
}
