package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"pocketd/internal/common/fsutil"
	"pocketd/pkg/types"
)

var quantPattern = regexp.MustCompile(`(?i)[._-]((?:iq|q)\d[a-z0-9_]*|bf16|f16|f32)$`)

// LoadDir scans a directory for *.gguf files and builds model descriptors from filenames.
// ID is the full filename (including extension); Path is the absolute file path.
// Quant is guessed from the filename suffix when present.
func LoadDir(dir string) ([]types.Model, error) {
	abs, err := fsutil.Resolve(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".gguf") {
			continue
		}
		models = append(models, types.Model{
			ID:    name,
			Name:  name,
			Path:  filepath.Join(abs, name),
			Quant: guessQuant(name),
		})
	}
	return models, nil
}

type catalogFile struct {
	Models []types.Model `json:"models" yaml:"models" toml:"models"`
}

// LoadCatalog reads model descriptors from a YAML, JSON or TOML file with a
// top-level "models" list.
func LoadCatalog(path string) ([]types.Model, error) {
	p, err := fsutil.Resolve(path)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	var cf catalogFile
	switch ext := strings.ToLower(filepath.Ext(p)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cf)
	case ".json":
		err = json.Unmarshal(b, &cf)
	case ".toml":
		err = toml.Unmarshal(b, &cf)
	default:
		return nil, fmt.Errorf("unsupported catalog extension: %s", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", filepath.Base(p), err)
	}
	for i := range cf.Models {
		m := &cf.Models[i]
		if m.Path != "" {
			if m.Path, err = fsutil.Resolve(m.Path); err != nil {
				return nil, err
			}
		}
		if m.Name == "" {
			m.Name = m.ID
		}
		if m.Quant == "" {
			m.Quant = guessQuant(m.ID)
		}
	}
	return cf.Models, nil
}

// Load builds a registry from an optional catalog file and an optional models
// directory. Catalog entries win when both define the same id.
func Load(catalog, dir string) (*Registry, error) {
	var models []types.Model
	if catalog != "" {
		ms, err := LoadCatalog(catalog)
		if err != nil {
			return nil, err
		}
		models = append(models, ms...)
	}
	if dir != "" && fsutil.PathExists(mustResolve(dir)) {
		ms, err := LoadDir(dir)
		if err != nil {
			return nil, err
		}
		seen := make(map[string]struct{}, len(models))
		for _, m := range models {
			seen[m.ID] = struct{}{}
		}
		for _, m := range ms {
			if _, dup := seen[m.ID]; !dup {
				models = append(models, m)
			}
		}
	}
	return New(models)
}

func mustResolve(p string) string {
	abs, err := fsutil.Resolve(p)
	if err != nil {
		return p
	}
	return abs
}

func guessQuant(name string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	if !strings.EqualFold(filepath.Ext(name), ".gguf") {
		base = name
	}
	m := quantPattern.FindStringSubmatch(base)
	if m == nil {
		return ""
	}
	return strings.ToLower(m[1])
}
