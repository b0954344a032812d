// Package compliance loads the deployment's compliance manifest: the
// allowlists auditors sign off on, fingerprinted so any edit is visible.
package compliance

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v2"

	"github.com/ocx/inference-gateway/internal/core"
)

type manifestFile struct {
	Version    string `yaml:"version"`
	Allowlists struct {
		Libraries []string `yaml:"libraries"`
		Models    []string `yaml:"models"`
	} `yaml:"allowlists"`
}

// Manifest is the loaded, fingerprinted compliance document.
type Manifest struct {
	Version   string   `json:"version"`
	Checksum  string   `json:"checksum"`
	Libraries []string `json:"libraries"`
	Models    []string `json:"models"`
}

// Load reads the manifest and fingerprints the raw bytes. A missing or
// unreadable manifest is a deployment error: the gateway must not serve
// compliance answers it cannot stand behind.
func Load(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, core.Wrap(core.KindConfiguration, "Compliance manifest unavailable.", err)
	}

	var file manifestFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, core.Wrap(core.KindConfiguration, "Compliance manifest malformed.", err)
	}

	sum := sha256.Sum256(raw)
	m := &Manifest{
		Version:   file.Version,
		Checksum:  hex.EncodeToString(sum[:]),
		Libraries: append([]string(nil), file.Allowlists.Libraries...),
		Models:    append([]string(nil), file.Allowlists.Models...),
	}
	sort.Strings(m.Libraries)
	sort.Strings(m.Models)
	return m, nil
}

// AllowsLibrary reports whether a library name is on the allowlist.
func (m *Manifest) AllowsLibrary(name string) bool {
	for _, lib := range m.Libraries {
		if lib == name {
			return true
		}
	}
	return false
}

// Fingerprint returns the short form used in published artifacts.
func (m *Manifest) Fingerprint() string {
	return fmt.Sprintf("sha256:%s", m.Checksum)
}
