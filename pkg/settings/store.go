package settings

import (
	"log/slog"
	"sync"
)

// Store holds the live settings and notifies subscribers of changes.
type Store struct {
	logger *slog.Logger

	mu     sync.Mutex
	cur    Settings
	subs   map[int]func(Settings)
	nextID int
}

// NewStore creates a store holding s.
func NewStore(s Settings, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		logger: logger,
		cur:    s.clone(),
		subs:   make(map[int]func(Settings)),
	}
}

// Get returns a copy of the current settings.
func (st *Store) Get() Settings {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.cur.clone()
}

// Subscribe registers fn for changes. The returned func unsubscribes.
func (st *Store) Subscribe(fn func(Settings)) (cancel func()) {
	st.mu.Lock()
	id := st.nextID
	st.nextID++
	st.subs[id] = fn
	st.mu.Unlock()

	return func() {
		st.mu.Lock()
		delete(st.subs, id)
		st.mu.Unlock()
	}
}

// Update applies fn to a copy of the settings, validates the result and
// publishes it. On a validation error nothing changes.
func (st *Store) Update(fn func(*Settings)) error {
	st.mu.Lock()
	next := st.cur.clone()
	st.mu.Unlock()

	fn(&next)
	next.applyDefaults()
	if err := next.Validate(); err != nil {
		return err
	}
	st.publish(next)
	return nil
}

// Reload replaces the settings with the contents of path.
func (st *Store) Reload(path string) error {
	next, err := Load(path)
	if err != nil {
		return err
	}
	st.logger.Info("settings reloaded", "path", path)
	st.publish(next)
	return nil
}

func (st *Store) publish(next Settings) {
	st.mu.Lock()
	st.cur = next.clone()
	subs := make([]func(Settings), 0, len(st.subs))
	for _, fn := range st.subs {
		subs = append(subs, fn)
	}
	st.mu.Unlock()

	for _, fn := range subs {
		fn(next.clone())
	}
}

// BoolSetting is a live view of one boolean field of a Store.
type BoolSetting struct {
	store *Store
	get   func(Settings) bool
}

// Bool returns a live view of the field selected by get.
func (st *Store) Bool(get func(Settings) bool) BoolSetting {
	return BoolSetting{store: st, get: get}
}

// Value returns the current value.
func (b BoolSetting) Value() bool {
	return b.get(b.store.Get())
}

// Subscribe calls fn when the value changes.
func (b BoolSetting) Subscribe(fn func(bool)) (cancel func()) {
	var mu sync.Mutex
	last := b.Value()
	return b.store.Subscribe(func(s Settings) {
		v := b.get(s)
		mu.Lock()
		changed := v != last
		last = v
		mu.Unlock()
		if changed {
			fn(v)
		}
	})
}
