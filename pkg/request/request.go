// Package request implements ConnectionRequest: a single pending demand for
// a connection from a named pool, carrying its deadline and single-shot
// completion callbacks.
package request

import (
	"sync/atomic"
	"time"
)

var nextID atomic.Uint64

// ID is a process-unique request identifier.
type ID uint64

// Connection is the minimal shape a request can be fulfilled with. The
// concrete connection type lives in package clusternode; request only needs
// to pass it through.
type Connection any

// Request is a pending demand for a connection from Pool, created by
// Cluster.getDBConnection when no idle connection is immediately available.
//
// Exactly one of Execute or Abort is ever called, at most once — enforced
// by the fulfilled flag.
type Request struct {
	id        ID
	Pool      string
	createdAt time.Time

	resolve func(Connection)
	reject  func(error)

	fulfilled bool
}

// New creates a Request for pool, wired to resolve/reject. resolve and
// reject must each be safe to call from whichever goroutine Execute/Abort
// runs on — callers typically pass channel sends.
func New(pool string, resolve func(Connection), reject func(error)) *Request {
	return &Request{
		id:        ID(nextID.Add(1)),
		Pool:      pool,
		createdAt: time.Now(),
		resolve:   resolve,
		reject:    reject,
	}
}

// ID returns the request's process-unique identifier.
func (r *Request) ID() ID {
	return r.id
}

// CreatedAt returns the monotonic creation timestamp used for TTL checks.
func (r *Request) CreatedAt() time.Time {
	return r.createdAt
}

// PoolName returns the requested pool name. Named distinctly from the Pool
// field so the type can satisfy interfaces that want a method.
func (r *Request) PoolName() string {
	return r.Pool
}

// Execute resolves the request with c. Calling Execute or Abort a second
// time is a programmer error and is a silent no-op rather than a panic,
// matching the "idempotent-guarded" wording of the component design.
func (r *Request) Execute(c Connection) {
	if r.fulfilled {
		return
	}
	r.fulfilled = true
	r.resolve(c)
}

// Abort rejects the request with err. See Execute for the single-shot
// guard.
func (r *Request) Abort(err error) {
	if r.fulfilled {
		return
	}
	r.fulfilled = true
	r.reject(err)
}

// IsFulfilled reports whether Execute or Abort has already run.
func (r *Request) IsFulfilled() bool {
	return r.fulfilled
}

// IsExpired reports whether the request has been pending longer than ttl.
func (r *Request) IsExpired(ttl time.Duration) bool {
	return time.Since(r.createdAt) > ttl
}
