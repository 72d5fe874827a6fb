package taskqueue

import (
	"sort"
	"strings"
)

// Router maps task names to queues by longest matching prefix.
type Router struct {
	routes       []Route
	defaultQueue string
}

// NewRouter builds a router. Routes are copied.
func NewRouter(routes []Route, defaultQueue string) *Router {
	r := &Router{routes: make([]Route, len(routes)), defaultQueue: defaultQueue}
	copy(r.routes, routes)
	sort.SliceStable(r.routes, func(i, j int) bool {
		return len(r.routes[i].Prefix) > len(r.routes[j].Prefix)
	})
	return r
}

// Route returns the queue for name, or the default queue.
func (r *Router) Route(name string) string {
	for _, rt := range r.routes {
		if strings.HasPrefix(name, rt.Prefix) {
			return rt.Queue
		}
	}
	return r.defaultQueue
}
