package playbook

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Pack is one YAML playbook definition file.
type Pack struct {
	Tenant    string     `yaml:"tenant"`
	Playbooks []Playbook `yaml:"playbooks"`
}

// ParsePack decodes and validates a YAML playbook pack. Playbooks inherit
// the pack's tenant scope unless they declare their own. Activation is
// explicit: packs must set active per playbook.
func ParsePack(data []byte) (Pack, error) {
	var pack Pack
	decoder := yaml.NewDecoder(strings.NewReader(string(data)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&pack); err != nil {
		return Pack{}, fmt.Errorf("decode playbook pack: %w", err)
	}

	for i := range pack.Playbooks {
		if pack.Playbooks[i].TenantID == "" {
			pack.Playbooks[i].TenantID = pack.Tenant
		}
		if err := pack.Playbooks[i].Validate(); err != nil {
			return Pack{}, err
		}
	}
	return pack, nil
}

// LoadDir reads every *.yaml and *.yml pack in dir into one library. A
// missing directory yields an empty library rather than an error so fresh
// deployments start without configuration.
func LoadDir(dir string) (*Library, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return NewLibrary()
		}
		return nil, fmt.Errorf("stat playbook dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("playbook path is not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read playbook dir: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := strings.ToLower(entry.Name())
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var playbooks []Playbook
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read playbook pack %s: %w", name, err)
		}
		pack, err := ParsePack(data)
		if err != nil {
			return nil, fmt.Errorf("pack %s: %w", name, err)
		}
		playbooks = append(playbooks, pack.Playbooks...)
	}
	return NewLibrary(playbooks...)
}
