package engine

import (
	"sync"

	"github.com/roach88/tokenflow/internal/alloc"
)

// heldResources records the resource each executing task holds. It lives on
// the engine rather than the cache slot so a handle outlives an idle
// eviction of its instance.
type heldResources struct {
	mu sync.Mutex
	m  map[string]map[int32]alloc.Handle
}

func (h *heldResources) hold(id string, t int32, handle alloc.Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.m == nil {
		h.m = make(map[string]map[int32]alloc.Handle)
	}
	tasks := h.m[id]
	if tasks == nil {
		tasks = make(map[int32]alloc.Handle)
		h.m[id] = tasks
	}
	tasks[t] = handle
}

func (h *heldResources) take(id string, t int32) (alloc.Handle, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	handle, ok := h.m[id][t]
	if !ok {
		return alloc.Handle{}, false
	}
	delete(h.m[id], t)
	if len(h.m[id]) == 0 {
		delete(h.m, id)
	}
	return handle, true
}

func (h *heldResources) takeAll(id string) []alloc.Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	tasks := h.m[id]
	delete(h.m, id)
	out := make([]alloc.Handle, 0, len(tasks))
	for _, handle := range tasks {
		out = append(out, handle)
	}
	return out
}

func (h *heldResources) count(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.m[id])
}

// releaseTask hands back the resource held by task t of instance id.
func (e *Engine) releaseTask(id string, t int32) {
	rel, ok := e.allocator.(alloc.Releaser)
	if !ok {
		return
	}
	if handle, ok := e.held.take(id, t); ok {
		rel.Release(handle)
		e.logger.Debug("resource released", "instance_id", id, "resource", handle.Resource)
	}
}

// releaseInstance hands back every resource held by instance id.
func (e *Engine) releaseInstance(id string) {
	rel, ok := e.allocator.(alloc.Releaser)
	if !ok {
		return
	}
	for _, handle := range e.held.takeAll(id) {
		rel.Release(handle)
		e.logger.Debug("resource released", "instance_id", id, "resource", handle.Resource)
	}
}
