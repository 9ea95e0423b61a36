package patterns

// Reserved top-level document keys.
const (
	KeyImports = "imports"
	KeyInit    = "init"
	KeyAnalyze = "analyze"
)

// KnownCategories is the enumerated category schema. Any non-reserved
// top-level key outside this set is a load error.
var KnownCategories = []string{
	"geometry_shapes",
	"components",
	"materials",
	"physics",
	"studies",
	"probes",
	"results",
	"exports",
}

// Pattern is one named script template: an ordered list of lines carrying
// {placeholder} tokens for literal substitution.
type Pattern struct {
	// Type is the pattern's type name, unique across the library.
	Type string

	// Category is the category the pattern was declared under.
	Category string

	// Lines are the template lines in document order.
	Lines []string
}

// Category is an ordered collection of patterns under one category name.
type Category struct {
	// Name is the category name from the document.
	Name string

	patterns []*Pattern
	index    map[string]*Pattern
}

// Patterns returns the category's patterns in document order.
func (c *Category) Patterns() []*Pattern {
	return c.patterns
}

// Lookup finds a pattern by type name within this category.
func (c *Category) Lookup(typeName string) (*Pattern, bool) {
	p, ok := c.index[typeName]
	return p, ok
}

// Library is one backend's immutable pattern collection.
type Library struct {
	// Backend is the backend ID the library belongs to.
	Backend string

	// Imports are the import preamble template lines.
	Imports []string

	// Init are the init preamble template lines.
	Init []string

	// AnalyzeList holds list-form analyze template lines. Nil when the
	// document declares analyze as a category, or not at all.
	AnalyzeList []string

	categories []*Category
	byType     map[string]*Pattern
}

// Lookup scans categories in document order for a type name. Load-time
// collision checks make the first match the only match.
func (l *Library) Lookup(typeName string) (*Pattern, bool) {
	p, ok := l.byType[typeName]
	return p, ok
}

// Category returns a pattern category by name.
func (l *Library) Category(name string) (*Category, bool) {
	for _, c := range l.categories {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// Categories returns the category names in document order.
func (l *Library) Categories() []string {
	names := make([]string, len(l.categories))
	for i, c := range l.categories {
		names[i] = c.Name
	}
	return names
}

// HasAnalyzeCategory reports whether analyze was declared as a pattern
// category rather than a fixed command list.
func (l *Library) HasAnalyzeCategory() bool {
	_, ok := l.Category(KeyAnalyze)
	return ok
}

// TypeCount returns the number of patterns across all categories.
func (l *Library) TypeCount() int {
	return len(l.byType)
}
