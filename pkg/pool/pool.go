package pool

import (
	"fmt"
	"sync"

	"dmorch/pkg/backend"
	"dmorch/pkg/security"
)

// Key identifies one pooled connection.
type Key struct {
	BackendID string
	RequestID string
	Thread    int
	UID       int
	Mode      backend.Mode
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%d/%d/%s", k.BackendID, k.RequestID, k.Thread, k.UID, k.Mode)
}

// Pool caches open backend connections by Key.
type Pool struct {
	mu    sync.Mutex
	conns map[Key]backend.Connection
}

// New creates an empty pool.
func New() *Pool {
	return &Pool{conns: make(map[Key]backend.Connection)}
}

// Get returns the pooled connection for key, opening one via b if none
// exists yet.
func (p *Pool) Get(b backend.Backend, key Key, user, workspace string, creds security.CredentialSet) (backend.Connection, error) {
	p.mu.Lock()
	if conn, ok := p.conns[key]; ok {
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	conn, err := b.CreateConnection(user, workspace, creds, key.Mode)
	if err != nil {
		return nil, fmt.Errorf("pool: open connection for %s: %w", key, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.conns[key]; ok {
		// lost the race to open this key; close ours, keep theirs
		_ = b.CloseConnection(conn)
		return existing, nil
	}
	p.conns[key] = conn
	return conn, nil
}

// Close removes key from the pool and closes its connection via b.
func (p *Pool) Close(b backend.Backend, key Key) error {
	p.mu.Lock()
	conn, ok := p.conns[key]
	if ok {
		delete(p.conns, key)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return b.CloseConnection(conn)
}

// CloseAll closes every connection for a request across all threads and
// modes, called once a request finishes or fails.
func (p *Pool) CloseAll(b backend.Backend, requestID string) {
	p.mu.Lock()
	var toClose []Key
	for key := range p.conns {
		if key.RequestID == requestID {
			toClose = append(toClose, key)
		}
	}
	p.mu.Unlock()

	for _, key := range toClose {
		_ = p.Close(b, key)
	}
}

// Len reports how many connections are currently pooled, for tests.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}
