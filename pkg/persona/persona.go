// Package persona resolves named personas to model configuration and the
// cloud-init file templates applied to a cattle instance.
//
// A persona bundles the model/provider an instance will run, the credential
// environment variable names that model requires, and extra files dropped
// into the instance at boot. Built-in personas cover the common cases; a
// persona directory can add or override personas with a persona.yaml plus a
// files/ tree.
package persona

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// ErrUnknownPersona indicates the persona name resolves to nothing.
var ErrUnknownPersona = errors.New("unknown persona")

// File is an extra file written to the instance via cloud-init.
type File struct {
	// Path is the absolute destination path on the instance.
	Path string `yaml:"path"`

	// Content is the file body.
	Content string `yaml:"content"`

	// Mode is the octal permission string, e.g. "0600". Empty means 0644.
	Mode string `yaml:"mode,omitempty"`
}

// Persona is a resolved persona.
type Persona struct {
	// Name is the persona name used in spawn payloads.
	Name string `yaml:"name"`

	// Model is the model identifier the instance runs.
	Model string `yaml:"model"`

	// Provider is the model provider, e.g. "anthropic".
	Provider string `yaml:"provider"`

	// EnvKeys are the credential environment variable names the model
	// requires. Their values never travel with the instance; the instance
	// fetches them at boot through the sealed secret channel.
	EnvKeys []string `yaml:"envKeys"`

	// PublicEnv are explicitly-allowed non-secret environment values baked
	// into the instance directly.
	PublicEnv map[string]string `yaml:"publicEnv,omitempty"`

	// Files are extra cloud-init files.
	Files []File `yaml:"files,omitempty"`
}

// Resolver resolves persona names.
type Resolver struct {
	dir      string
	builtins map[string]Persona
}

// NewResolver creates a resolver. dir may be empty, in which case only
// built-in personas resolve.
func NewResolver(dir string) *Resolver {
	return &Resolver{dir: dir, builtins: builtinPersonas()}
}

func builtinPersonas() map[string]Persona {
	personas := []Persona{
		{
			Name:     "claude-dev",
			Model:    "claude-sonnet-4-20250514",
			Provider: "anthropic",
			EnvKeys:  []string{"ANTHROPIC_API_KEY"},
		},
		{
			Name:     "claude-max",
			Model:    "claude-opus-4-20250514",
			Provider: "anthropic",
			EnvKeys:  []string{"ANTHROPIC_API_KEY"},
		},
		{
			Name:     "codex",
			Model:    "gpt-5",
			Provider: "openai",
			EnvKeys:  []string{"OPENAI_API_KEY"},
		},
	}
	out := make(map[string]Persona, len(personas))
	for _, p := range personas {
		out[p.Name] = p
	}
	return out
}

// Resolve returns the persona for name, preferring a persona directory entry
// over a built-in of the same name. Returns ErrUnknownPersona when neither
// exists.
func (r *Resolver) Resolve(name string) (*Persona, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrUnknownPersona)
	}

	if r.dir != "" {
		p, err := r.loadFromDir(name)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	if p, ok := r.builtins[name]; ok {
		return &p, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownPersona, name)
}

// Names lists every resolvable persona name, sorted.
func (r *Resolver) Names() []string {
	seen := make(map[string]struct{})
	for name := range r.builtins {
		seen[name] = struct{}{}
	}
	if r.dir != "" {
		entries, err := os.ReadDir(r.dir)
		if err == nil {
			for _, e := range entries {
				if e.IsDir() {
					seen[e.Name()] = struct{}{}
				}
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// loadFromDir reads <dir>/<name>/persona.yaml and attaches every file under
// <dir>/<name>/files/ matching the persona's include globs (default: all).
func (r *Resolver) loadFromDir(name string) (*Persona, error) {
	base := filepath.Join(r.dir, name)
	raw, err := os.ReadFile(filepath.Join(base, "persona.yaml"))
	if err != nil {
		return nil, err
	}

	var spec struct {
		Persona `yaml:",inline"`

		// IncludeFiles are doublestar globs relative to files/ selecting
		// which files ship with the instance. Empty includes everything.
		IncludeFiles []string `yaml:"includeFiles,omitempty"`

		// FileRoot is the destination directory for included files.
		// Defaults to /etc/moltlets/persona.
		FileRoot string `yaml:"fileRoot,omitempty"`
	}
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("parse persona %s: %w", name, err)
	}

	p := spec.Persona
	p.Name = name
	if p.Model == "" || p.Provider == "" {
		return nil, fmt.Errorf("persona %s: model and provider are required", name)
	}

	fileRoot := spec.FileRoot
	if fileRoot == "" {
		fileRoot = "/etc/moltlets/persona"
	}
	files, err := collectFiles(filepath.Join(base, "files"), fileRoot, spec.IncludeFiles)
	if err != nil {
		return nil, fmt.Errorf("persona %s: %w", name, err)
	}
	p.Files = append(p.Files, files...)
	return &p, nil
}

func collectFiles(srcDir, destRoot string, globs []string) ([]File, error) {
	if _, err := os.Stat(srcDir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if len(globs) == 0 {
		globs = []string{"**/*"}
	}

	fsys := os.DirFS(srcDir)
	seen := make(map[string]struct{})
	var files []File
	for _, glob := range globs {
		matches, err := doublestar.Glob(fsys, glob)
		if err != nil {
			return nil, fmt.Errorf("bad file glob %q: %w", glob, err)
		}
		for _, match := range matches {
			if _, ok := seen[match]; ok {
				continue
			}
			info, err := fs.Stat(fsys, match)
			if err != nil {
				return nil, err
			}
			if info.IsDir() {
				continue
			}
			content, err := fs.ReadFile(fsys, match)
			if err != nil {
				return nil, err
			}
			seen[match] = struct{}{}
			files = append(files, File{
				Path:    destRoot + "/" + filepath.ToSlash(match),
				Content: string(content),
			})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}
