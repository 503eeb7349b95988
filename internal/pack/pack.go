// Package pack loads methodology packs: the per-task prompt templates the
// pipeline feeds to the prompt assembler.
//
// The "standard" pack ships embedded in the binary. A pack directory can
// override individual templates by file name, or define a whole new pack.
package pack

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

//go:embed templates/*.md
var builtin embed.FS

// DefaultName is the pack used when configuration names none.
const DefaultName = "standard"

// ErrUnknownTask is returned by Template for task types the pack does not
// define.
var ErrUnknownTask = errors.New("no template for task")

// ManifestName is the optional metadata file inside a pack directory.
const ManifestName = "pack.toml"

// Manifest carries pack metadata and extra gate requirements.
type Manifest struct {
	Name        string `toml:"name"`
	Description string `toml:"description"`

	// Gates maps a phase name to artifact types that phase's exit gates
	// additionally require.
	Gates map[string][]string `toml:"gates"`
}

// Pack is an immutable set of named prompt templates plus its manifest.
type Pack struct {
	name      string
	templates map[string]string
	manifest  Manifest
}

// Load builds the pack called name. The standard pack comes from the
// embedded templates; overrideDir, when non-empty, overlays any *.md files
// it contains on top (matched by base name without extension). A non-standard
// name requires an overrideDir that defines every template.
func Load(name, overrideDir string) (*Pack, error) {
	if name == "" {
		name = DefaultName
	}

	p := &Pack{name: name, templates: make(map[string]string)}

	if name == DefaultName {
		entries, err := fs.ReadDir(builtin, "templates")
		if err != nil {
			return nil, fmt.Errorf("reading embedded pack: %w", err)
		}
		for _, e := range entries {
			data, err := fs.ReadFile(builtin, "templates/"+e.Name())
			if err != nil {
				return nil, fmt.Errorf("reading embedded template %s: %w", e.Name(), err)
			}
			p.templates[taskName(e.Name())] = string(data)
		}
	}

	if overrideDir != "" {
		if err := p.overlay(overrideDir); err != nil {
			return nil, err
		}
	}

	if len(p.templates) == 0 {
		return nil, fmt.Errorf("pack %q has no templates (set pack_dir to a directory of *.md files)", name)
	}
	return p, nil
}

// Name returns the pack's name.
func (p *Pack) Name() string { return p.name }

// Description returns the manifest description, empty for the embedded pack.
func (p *Pack) Description() string { return p.manifest.Description }

// Gates returns extra per-phase artifact requirements from the manifest.
// Callers append these to the phase's exit gates.
func (p *Pack) Gates() map[string][]string { return p.manifest.Gates }

// Template returns the prompt template for the given task type.
func (p *Pack) Template(task string) (string, error) {
	t, ok := p.templates[task]
	if !ok {
		return "", fmt.Errorf("pack %q: %w %q", p.name, ErrUnknownTask, task)
	}
	return t, nil
}

// Has reports whether the pack defines a template for task.
func (p *Pack) Has(task string) bool {
	_, ok := p.templates[task]
	return ok
}

// Tasks returns the task types the pack defines, sorted.
func (p *Pack) Tasks() []string {
	tasks := make([]string, 0, len(p.templates))
	for t := range p.templates {
		tasks = append(tasks, t)
	}
	sort.Strings(tasks)
	return tasks
}

func (p *Pack) overlay(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading pack dir %s: %w", dir, err)
	}

	manifestPath := filepath.Join(dir, ManifestName)
	if _, err := os.Stat(manifestPath); err == nil {
		if _, err := toml.DecodeFile(manifestPath, &p.manifest); err != nil {
			return fmt.Errorf("decoding %s: %w", manifestPath, err)
		}
		if p.manifest.Name != "" {
			p.name = p.manifest.Name
		}
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("reading pack template %s: %w", e.Name(), err)
		}
		p.templates[taskName(e.Name())] = string(data)
	}
	return nil
}

func taskName(file string) string {
	return strings.TrimSuffix(filepath.Base(file), ".md")
}
