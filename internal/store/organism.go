package store

import (
	"sync"

	"github.com/loculus-project/seqlapis/internal/refgenome"
)

// Organism owns one organism's store handle behind an exclusive mutex.
// Readers borrow the handle through WithStore and must fully consume the
// result before returning; the handle is never held across an outbound
// call. The freshness controller replaces the handle through Swap, which
// waits for in-flight readers and closes the old store.
type Organism struct {
	name      string
	reference *refgenome.ReferenceGenomes

	mu    sync.Mutex
	store *Store

	versionMu sync.Mutex
	version   string
}

// NewOrganism publishes a store handle for one organism.
func NewOrganism(name string, s *Store, reference *refgenome.ReferenceGenomes, dataVersion string) *Organism {
	return &Organism{name: name, store: s, reference: reference, version: dataVersion}
}

// Name returns the organism name.
func (o *Organism) Name() string { return o.name }

// Reference returns the immutable reference genome set.
func (o *Organism) Reference() *refgenome.ReferenceGenomes { return o.reference }

// WithStore runs fn with exclusive access to the current store handle.
func (o *Organism) WithStore(fn func(*Store) error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return fn(o.store)
}

// Swap substitutes a new store handle and closes the replaced one once the
// last in-flight reader has released it.
func (o *Organism) Swap(s *Store) {
	o.mu.Lock()
	old := o.store
	o.store = s
	o.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// DataVersion returns the published display version.
func (o *Organism) DataVersion() string {
	o.versionMu.Lock()
	defer o.versionMu.Unlock()
	return o.version
}

// SetDataVersion publishes a new display version.
func (o *Organism) SetDataVersion(v string) {
	o.versionMu.Lock()
	o.version = v
	o.versionMu.Unlock()
}

// Catalog is the shared map of published organisms.
type Catalog struct {
	mu        sync.RWMutex
	organisms map[string]*Organism
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{organisms: make(map[string]*Organism)}
}

// Get looks up a published organism.
func (c *Catalog) Get(name string) (*Organism, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.organisms[name]
	return o, ok
}

// Put publishes an organism, replacing any previous entry.
func (c *Catalog) Put(o *Organism) {
	c.mu.Lock()
	c.organisms[o.Name()] = o
	c.mu.Unlock()
}

// Names lists the published organisms.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.organisms))
	for name := range c.organisms {
		names = append(names, name)
	}
	return names
}
