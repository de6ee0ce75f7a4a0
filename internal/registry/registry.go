package registry

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"pocketd/pkg/types"
)

// Registry is an immutable, id-indexed set of model descriptors.
type Registry struct {
	models []types.Model
	byID   map[string]int
}

// New validates ids (non-empty, unique) and indexes the models in order.
func New(models []types.Model) (*Registry, error) {
	r := &Registry{byID: make(map[string]int, len(models))}
	for _, m := range models {
		if strings.TrimSpace(m.ID) == "" {
			return nil, fmt.Errorf("model with empty id (name %q)", m.Name)
		}
		if _, dup := r.byID[m.ID]; dup {
			return nil, fmt.Errorf("duplicate model id %q", m.ID)
		}
		if m.Path == "" && len(m.Files) == 0 {
			return nil, fmt.Errorf("model %q has neither path nor files", m.ID)
		}
		r.byID[m.ID] = len(r.models)
		r.models = append(r.models, m)
	}
	return r, nil
}

// Lookup resolves a model id.
func (r *Registry) Lookup(id string) (types.Model, bool) {
	i, ok := r.byID[id]
	if !ok {
		return types.Model{}, false
	}
	return r.models[i], true
}

// List returns a copy of all models in registration order.
func (r *Registry) List() []types.Model {
	out := make([]types.Model, len(r.models))
	copy(out, r.models)
	return out
}

// IDs returns all model ids in registration order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.models))
	for i, m := range r.models {
		out[i] = m.ID
	}
	return out
}

// Groups collects quantizations of the same base model. Groups are ordered by
// family then base; variants by VRAM then id.
func (r *Registry) Groups() []types.ModelGroup {
	idx := map[string]int{}
	var groups []types.ModelGroup
	for _, m := range r.models {
		base := baseName(m)
		fam := m.Family
		if fam == "" {
			fam = guessFamily(base)
		}
		key := fam + "\x00" + base
		i, ok := idx[key]
		if !ok {
			i = len(groups)
			idx[key] = i
			groups = append(groups, types.ModelGroup{
				Family:        fam,
				Base:          base,
				Name:          displayName(m, base),
				ContextLength: m.ContextLength,
				Tags:          m.Tags,
			})
		}
		g := &groups[i]
		if m.ContextLength > g.ContextLength {
			g.ContextLength = m.ContextLength
		}
		g.Variants = append(g.Variants, types.ModelVariant{Quant: m.Quant, ModelID: m.ID, VRAMMB: m.VRAMMB})
	}
	for i := range groups {
		v := groups[i].Variants
		sort.SliceStable(v, func(a, b int) bool {
			if v[a].VRAMMB != v[b].VRAMMB {
				return v[a].VRAMMB < v[b].VRAMMB
			}
			return v[a].ModelID < v[b].ModelID
		})
	}
	sort.SliceStable(groups, func(a, b int) bool {
		if groups[a].Family != groups[b].Family {
			return groups[a].Family < groups[b].Family
		}
		return groups[a].Base < groups[b].Base
	})
	return groups
}

// baseName strips the file extension and the quantization suffix from the id.
func baseName(m types.Model) string {
	id := m.ID
	if strings.HasSuffix(strings.ToLower(id), ".gguf") {
		id = id[:len(id)-len(".gguf")]
	}
	if m.Quant != "" && len(id) > len(m.Quant)+1 {
		suffix := id[len(id)-len(m.Quant):]
		sep := id[len(id)-len(m.Quant)-1]
		if strings.EqualFold(suffix, m.Quant) && (sep == '-' || sep == '.' || sep == '_') {
			id = id[:len(id)-len(m.Quant)-1]
		}
	}
	return id
}

func displayName(m types.Model, base string) string {
	if m.Name != "" && m.Name != m.ID {
		return m.Name
	}
	return base
}

// guessFamily takes the leading alphabetic run of the first id segment,
// e.g. "Qwen2.5-0.5B" -> "qwen".
func guessFamily(base string) string {
	seg := base
	if i := strings.IndexAny(seg, "-._"); i > 0 {
		seg = seg[:i]
	}
	end := strings.IndexFunc(seg, func(r rune) bool { return !unicode.IsLetter(r) })
	if end == 0 {
		return "other"
	}
	if end > 0 {
		seg = seg[:end]
	}
	return strings.ToLower(seg)
}
