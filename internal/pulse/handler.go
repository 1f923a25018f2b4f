package pulse

// EdgeHandler is the callback given to the edge watcher. It is the only
// writer of pulse counts.
type EdgeHandler struct {
	reg *Registry
}

// NewEdgeHandler returns a handler that counts into reg.
func NewEdgeHandler(reg *Registry) *EdgeHandler {
	return &EdgeHandler{reg: reg}
}

// HandleEdge counts one qualifying transition on pin.
// An edge for an unregistered pin panics.
func (h *EdgeHandler) HandleEdge(pin PinID) {
	h.reg.Increment(pin)
}
