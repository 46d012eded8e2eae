package router

import (
	"sync"

	"github.com/scottylabs/kennel/internal/store"
)

// Route is one routing-table entry. Port > 0 means a reverse-proxied service;
// otherwise StaticPath points at the files to serve.
type Route struct {
	DeploymentID int64
	Port         int
	StaticPath   string
	SPA          bool
}

func (r Route) IsService() bool { return r.Port > 0 }

// Table is the in-memory host-to-route map. Single writer (the update
// handler), many readers (request handling); individual lookups see a
// consistent snapshot.
type Table struct {
	mu     sync.RWMutex
	routes map[string]Route
}

func NewTable() *Table {
	return &Table{routes: make(map[string]Route)}
}

func (t *Table) Get(host string) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.routes[host]
	return r, ok
}

func (t *Table) Insert(host string, r Route) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[host] = r
}

func (t *Table) Remove(host string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.routes, host)
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}

// LoadFrom wipes and repopulates the table from active deployments. Each
// deployment registers its generated domain and, when the service declares
// one, its custom domain against the same route.
func (t *Table) LoadFrom(rows []store.DeploymentWithService) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes = make(map[string]Route, len(rows))

	for _, row := range rows {
		route := Route{DeploymentID: row.ID, SPA: row.SPA}
		if row.Port != nil {
			route.Port = *row.Port
		} else {
			route.StaticPath = row.StorePath
		}

		t.routes[row.Domain] = route
		if row.CustomDomain != nil && *row.CustomDomain != "" {
			t.routes[*row.CustomDomain] = route
		}
	}
}
