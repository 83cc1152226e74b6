package fsgate

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// sessionContext is the server-side handler state owned by one session. Each
// connected client gets its own context; contexts share the registered
// operation set and the underlying filesystem but nothing else. The
// initialized flag and client info are only touched from the session's
// dispatch loop, so they need no locking; the call counter is bumped from
// per-request goroutines.
type sessionContext struct {
	sess      Session
	logger    *slog.Logger
	createdAt time.Time

	initialized bool
	clientInfo  Info

	calls atomic.Int64
}

// sessionRegistry is the single owner of the token to session-context
// mapping. All reads and mutations go through its mutex so concurrent
// create/route/close requests cannot lose updates. Nothing else in the
// server is allowed to mutate the map.
type sessionRegistry struct {
	mu       sync.Mutex
	contexts map[string]*sessionContext
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{
		contexts: make(map[string]*sessionContext),
	}
}

func (r *sessionRegistry) add(sc *sessionContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contexts[sc.sess.ID()] = sc
}

func (r *sessionRegistry) get(token string) (*sessionContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc, ok := r.contexts[token]
	return sc, ok
}

func (r *sessionRegistry) remove(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.contexts, token)
}

// snapshot returns the active contexts at the time of the call. Used for
// broadcasting pushes without holding the lock during sends.
func (r *sessionRegistry) snapshot() []*sessionContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	scs := make([]*sessionContext, 0, len(r.contexts))
	for _, sc := range r.contexts {
		scs = append(scs, sc)
	}
	return scs
}

func (r *sessionRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contexts)
}
