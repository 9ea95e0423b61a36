package patterns

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/simforge/simforge/pkg/engine"
	"github.com/simforge/simforge/pkg/telemetry"
)

// libraryExtensions are tried in order when resolving a backend's document.
// JSON parses as a YAML subset, so one parser covers both.
var libraryExtensions = []string{".yaml", ".yml", ".json"}

// Registry resolves backend IDs to loaded libraries. Only registered
// backends resolve; each library is loaded once and cached for the process
// lifetime.
type Registry struct {
	dir      string
	backends map[string]struct{}

	mu    sync.RWMutex
	cache map[string]*Library

	log *telemetry.Logger
}

// NewRegistry creates a registry over a library directory for an explicit
// set of backend IDs.
func NewRegistry(dir string, backends []string, tel *telemetry.Telemetry) (*Registry, error) {
	if dir == "" {
		return nil, engine.NewConfigError("pattern registry requires a library directory", nil)
	}
	if len(backends) == 0 {
		return nil, engine.NewConfigError("pattern registry requires at least one backend", nil)
	}
	if tel == nil {
		tel = telemetry.Nop()
	}

	set := make(map[string]struct{}, len(backends))
	for _, b := range backends {
		if b == "" {
			return nil, engine.NewConfigError("backend IDs must be non-empty", nil)
		}
		set[b] = struct{}{}
	}

	return &Registry{
		dir:      dir,
		backends: set,
		cache:    make(map[string]*Library),
		log:      tel.Logger.NewComponentLogger("patterns"),
	}, nil
}

// Backends returns the registered backend IDs, sorted.
func (r *Registry) Backends() []string {
	names := make([]string, 0, len(r.backends))
	for b := range r.backends {
		names = append(names, b)
	}
	sort.Strings(names)
	return names
}

// Library returns the loaded library for a backend, loading it on first use.
func (r *Registry) Library(backend string) (*Library, error) {
	if _, ok := r.backends[backend]; !ok {
		return nil, engine.NewConfigError(fmt.Sprintf("unknown backend %q", backend), nil)
	}

	r.mu.RLock()
	lib, ok := r.cache[backend]
	r.mu.RUnlock()
	if ok {
		return lib, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if lib, ok := r.cache[backend]; ok {
		return lib, nil
	}

	path, err := r.resolve(backend)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewConfigError(fmt.Sprintf("cannot read pattern library %s", path), err)
	}

	lib, err = ParseLibrary(backend, data)
	if err != nil {
		return nil, err
	}

	r.log.WithBackend(backend).Debugf("library loaded: %d types in %d categories", lib.TypeCount(), len(lib.categories))
	r.cache[backend] = lib
	return lib, nil
}

// resolve finds the document file for a backend.
func (r *Registry) resolve(backend string) (string, error) {
	for _, ext := range libraryExtensions {
		path := filepath.Join(r.dir, backend+ext)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", engine.NewConfigError(fmt.Sprintf("no pattern library for backend %q under %s", backend, r.dir), nil)
}

// ParseLibrary decodes and validates one library document. Parsing goes
// through yaml.Node so category order and intra-category order follow the
// document, which JSON and YAML mappings do not otherwise guarantee.
func ParseLibrary(backend string, data []byte) (*Library, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, engine.NewConfigError(fmt.Sprintf("pattern library for %q is not valid YAML/JSON", backend), err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 {
		return nil, engine.NewConfigError(fmt.Sprintf("pattern library for %q is empty", backend), nil)
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, engine.NewConfigError(fmt.Sprintf("pattern library for %q must be a mapping of categories", backend), nil)
	}

	known := make(map[string]struct{}, len(KnownCategories))
	for _, c := range KnownCategories {
		known[c] = struct{}{}
	}

	lib := &Library{
		Backend: backend,
		byType:  make(map[string]*Pattern),
	}
	seenKeys := make(map[string]struct{})

	for i := 0; i+1 < len(root.Content); i += 2 {
		keyNode, valNode := root.Content[i], root.Content[i+1]
		key := keyNode.Value

		if _, dup := seenKeys[key]; dup {
			return nil, engine.NewConfigError(fmt.Sprintf("library %q declares category %q twice", backend, key), nil)
		}
		seenKeys[key] = struct{}{}

		switch key {
		case KeyImports:
			lines, err := decodeLines(backend, key, valNode)
			if err != nil {
				return nil, err
			}
			lib.Imports = lines
		case KeyInit:
			lines, err := decodeLines(backend, key, valNode)
			if err != nil {
				return nil, err
			}
			lib.Init = lines
		case KeyAnalyze:
			// List form is a fixed command sequence; map form is an
			// ordinary category.
			if valNode.Kind == yaml.SequenceNode {
				lines, err := decodeLines(backend, key, valNode)
				if err != nil {
					return nil, err
				}
				lib.AnalyzeList = lines
				continue
			}
			cat, err := decodeCategory(backend, key, valNode, lib.byType)
			if err != nil {
				return nil, err
			}
			lib.categories = append(lib.categories, cat)
		default:
			if _, ok := known[key]; !ok {
				return nil, engine.NewConfigError(fmt.Sprintf("library %q has unrecognized category %q", backend, key), nil)
			}
			cat, err := decodeCategory(backend, key, valNode, lib.byType)
			if err != nil {
				return nil, err
			}
			lib.categories = append(lib.categories, cat)
		}
	}

	return lib, nil
}

// decodeLines decodes an ordered template-line list.
func decodeLines(backend, key string, n *yaml.Node) ([]string, error) {
	if n.Kind != yaml.SequenceNode {
		return nil, engine.NewConfigError(fmt.Sprintf("library %q: %s must be a list of template lines", backend, key), nil)
	}
	var lines []string
	if err := n.Decode(&lines); err != nil {
		return nil, engine.NewConfigError(fmt.Sprintf("library %q: %s has non-string template lines", backend, key), err)
	}
	if len(lines) == 0 {
		return nil, engine.NewConfigError(fmt.Sprintf("library %q: %s is empty", backend, key), nil)
	}
	return lines, nil
}

// decodeCategory decodes one typeName → template-lines mapping, checking
// type-name uniqueness across the whole library.
func decodeCategory(backend, name string, n *yaml.Node, byType map[string]*Pattern) (*Category, error) {
	if n.Kind != yaml.MappingNode {
		return nil, engine.NewConfigError(fmt.Sprintf("library %q: category %q must map type names to template lines", backend, name), nil)
	}

	cat := &Category{
		Name:  name,
		index: make(map[string]*Pattern),
	}

	for i := 0; i+1 < len(n.Content); i += 2 {
		typeName := n.Content[i].Value
		if typeName == "" {
			return nil, engine.NewConfigError(fmt.Sprintf("library %q: category %q has an empty type name", backend, name), nil)
		}
		if prev, ok := byType[typeName]; ok {
			return nil, engine.NewConfigError(fmt.Sprintf("library %q: type %q defined in both %q and %q", backend, typeName, prev.Category, name), nil)
		}

		lines, err := decodeLines(backend, fmt.Sprintf("%s.%s", name, typeName), n.Content[i+1])
		if err != nil {
			return nil, err
		}

		p := &Pattern{Type: typeName, Category: name, Lines: lines}
		cat.patterns = append(cat.patterns, p)
		cat.index[typeName] = p
		byType[typeName] = p
	}

	if len(cat.patterns) == 0 {
		return nil, engine.NewConfigError(fmt.Sprintf("library %q: category %q has no patterns", backend, name), nil)
	}

	return cat, nil
}
