package proxy

import (
	"errors"
	"maps"
	"slices"
	"sync/atomic"

	"github.com/vnmchuo/llm-billing-proxy/config"
)

var ErrUnknownModel = errors.New("unknown model")

type routingTable map[string]config.Backend

// Router maps caller-visible model names to backends. The table is replaced
// as a whole on reload; a request that resolved a backend keeps using it.
type Router struct {
	table atomic.Pointer[routingTable]
}

func NewRouter(backends map[string]config.Backend) *Router {
	r := &Router{}
	r.Swap(backends)
	return r
}

// Swap installs a copy of backends as the live table.
func (r *Router) Swap(backends map[string]config.Backend) {
	t := make(routingTable, len(backends))
	for name, b := range backends {
		b.Name = name
		t[name] = b
	}
	r.table.Store(&t)
}

func (r *Router) Resolve(model string) (config.Backend, error) {
	b, ok := (*r.table.Load())[model]
	if !ok {
		return config.Backend{}, ErrUnknownModel
	}
	return b, nil
}

// Backends returns the live table sorted by name.
func (r *Router) Backends() []config.Backend {
	t := *r.table.Load()
	out := make([]config.Backend, 0, len(t))
	for _, name := range slices.Sorted(maps.Keys(t)) {
		out = append(out, t[name])
	}
	return out
}

func (r *Router) Names() []string {
	return slices.Sorted(maps.Keys(*r.table.Load()))
}
