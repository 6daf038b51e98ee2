package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalLeaser is an in-process Leaser for single-instance deployments and tests.
type LocalLeaser struct {
	mu   sync.Mutex
	held map[string]localEntry
	now  func() time.Time
}

type localEntry struct {
	token   string
	expires time.Time
}

func NewLocalLeaser() *LocalLeaser {
	return &LocalLeaser{held: make(map[string]localEntry), now: time.Now}
}

func (l *LocalLeaser) TryAcquire(_ context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, false, nil
	}
	token := uuid.New().String()
	l.held[key] = localEntry{token: token, expires: now.Add(ttl)}
	return &localLease{owner: l, key: key, token: token}, true, nil
}

type localLease struct {
	owner *LocalLeaser
	key   string
	token string
}

func (l *localLease) Key() string { return l.key }

func (l *localLease) Extend(_ context.Context, ttl time.Duration) error {
	o := l.owner
	o.mu.Lock()
	defer o.mu.Unlock()

	e, ok := o.held[l.key]
	if !ok || e.token != l.token || !o.now().Before(e.expires) {
		return ErrNotHeld
	}
	e.expires = o.now().Add(ttl)
	o.held[l.key] = e
	return nil
}

func (l *localLease) Release(_ context.Context) error {
	o := l.owner
	o.mu.Lock()
	defer o.mu.Unlock()

	e, ok := o.held[l.key]
	if !ok || e.token != l.token {
		return ErrNotHeld
	}
	delete(o.held, l.key)
	return nil
}
