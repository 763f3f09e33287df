package lan

import (
	"context"
	"sync"
)

// VirtualAdapter stands in for the Bluetooth adapter when the transport is
// TCP. Power changes are reported asynchronously through OnChange, like
// the adapter property signal.
type VirtualAdapter struct {
	mu       sync.Mutex
	powered  bool
	onChange func(on bool)
}

// NewVirtualAdapter creates an adapter in the given power state.
func NewVirtualAdapter(powered bool) *VirtualAdapter {
	return &VirtualAdapter{powered: powered}
}

// OnChange sets the power change callback.
func (a *VirtualAdapter) OnChange(fn func(on bool)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onChange = fn
}

// Powered returns the current state.
func (a *VirtualAdapter) Powered(context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.powered, nil
}

// SetPowered changes the state and notifies OnChange when it differs.
func (a *VirtualAdapter) SetPowered(_ context.Context, on bool) error {
	a.mu.Lock()
	changed := a.powered != on
	a.powered = on
	fn := a.onChange
	a.mu.Unlock()
	if changed && fn != nil {
		go fn(on)
	}
	return nil
}
