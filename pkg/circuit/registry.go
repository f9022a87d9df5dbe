package circuit

import (
	"log/slog"
	"sync"
)

// Registry hands out shared breakers by upstream name. Asking twice for the
// same name returns the same breaker; asking with a different config keeps
// the original and logs a warning, so the first registration wins.
type Registry struct {
	log *slog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
	configs  map[string]Config
}

// NewRegistry creates an empty breaker registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		log:      log,
		breakers: make(map[string]*Breaker),
		configs:  make(map[string]Config),
	}
}

// Get returns the breaker registered under name, creating it with cfg on
// first use.
func (r *Registry) Get(name string, cfg Config) *Breaker {
	cfg = cfg.withDefaults()

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		if r.configs[name] != cfg {
			r.log.Warn("breaker already registered with different config, keeping original",
				slog.String("breaker", name))
		}
		return b
	}

	b := NewBreaker(name, cfg, r.log)
	r.breakers[name] = b
	r.configs[name] = cfg
	return b
}

// States returns a snapshot of every breaker's state, keyed by name.
func (r *Registry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]string, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State().String()
	}
	return out
}
