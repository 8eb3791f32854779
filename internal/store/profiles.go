package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/sakihiromi/well-scenario/internal/scenario"
)

// ProfileEntry describes one profile file.
type ProfileEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Profiles reads participant profile files (JSON arrays of participants).
type Profiles struct {
	dir string
}

// NewProfiles returns a profile store rooted at dir.
func NewProfiles(dir string) *Profiles {
	return &Profiles{dir: dir}
}

// Dir returns the profile directory.
func (p *Profiles) Dir() string { return p.dir }

// List returns the *.json files of the profile directory sorted by name.
func (p *Profiles) List() ([]ProfileEntry, error) {
	if _, err := os.Stat(p.dir); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoDirectory, p.dir)
	}
	matches, err := filepath.Glob(filepath.Join(p.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("store: list profiles: %w", err)
	}
	sort.Strings(matches)
	out := make([]ProfileEntry, 0, len(matches))
	for _, m := range matches {
		out = append(out, ProfileEntry{Name: filepath.Base(m), Path: m})
	}
	return out, nil
}

// Get loads the participants of profile file name.
func (p *Profiles) Get(name string) ([]scenario.Participant, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	var out []scenario.Participant
	if err := readJSON(filepath.Join(p.dir, name), &out); err != nil {
		return nil, fmt.Errorf("store: load profile %s: %w", name, err)
	}
	return out, nil
}
