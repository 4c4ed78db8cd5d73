// Package backendtest provides a scriptable in-memory backend for tests.
package backendtest

import (
	"context"
	"sync"

	"github.com/hydrocam/collector/internal/backend"
)

// Outcome scripts the result of one Put.
type Outcome struct {
	// Err makes the upload fail.
	Err error
	// Corrupt stores content whose digest differs from the local file.
	Corrupt bool
}

// Call is one recorded operation.
type Call struct {
	Op        string
	LocalPath string
	Container string
	Key       string
}

// Fake is a Backend whose Put outcomes are scripted in order. Once the
// script is used up every Put gets the default outcome.
type Fake struct {
	name string

	mu        sync.Mutex
	script    []Outcome
	fallback  Outcome
	deleteErr error
	onPut     func(ctx context.Context, key string) error
	objects   map[string]backend.Digest
	calls     []Call
}

var _ backend.Backend = (*Fake)(nil)

// New returns a Fake named name that succeeds by default.
func New(name string) *Fake {
	return &Fake{name: name, objects: make(map[string]backend.Digest)}
}

func (f *Fake) Name() string {
	return f.name
}

// Script appends outcomes for the next Put calls.
func (f *Fake) Script(outcomes ...Outcome) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, outcomes...)
	return f
}

// SetDefault sets the outcome used once the script is exhausted.
func (f *Fake) SetDefault(o Outcome) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallback = o
	return f
}

// SetDeleteErr makes every Delete fail with err.
func (f *Fake) SetDeleteErr(err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteErr = err
	return f
}

// OnPut installs a hook run at the start of every Put. A non-nil error fails
// the upload.
func (f *Fake) OnPut(fn func(ctx context.Context, key string) error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onPut = fn
	return f
}

func (f *Fake) Put(ctx context.Context, localPath string, container string, key string) (backend.Digest, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Op: "put", LocalPath: localPath, Container: container, Key: key})
	hook := f.onPut
	outcome := f.fallback
	if len(f.script) > 0 {
		outcome = f.script[0]
		f.script = f.script[1:]
	}
	f.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, key); err != nil {
			return "", err
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if outcome.Err != nil {
		return "", outcome.Err
	}

	digest, err := backend.FileMD5(localPath)
	if err != nil {
		return "", err
	}
	if outcome.Corrupt {
		digest = corrupt(digest)
	}

	f.mu.Lock()
	f.objects[container+"/"+key] = digest
	f.mu.Unlock()

	return digest, nil
}

func (f *Fake) Delete(ctx context.Context, container string, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, Call{Op: "delete", Container: container, Key: key})
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.objects, container+"/"+key)
	return nil
}

// Calls returns every recorded operation in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Count returns how many operations of kind op ("put" or "delete") ran.
func (f *Fake) Count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, c := range f.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Stored returns the digest held for container/key.
func (f *Fake) Stored(container string, key string) (backend.Digest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.objects[container+"/"+key]
	return d, ok
}

// corrupt returns a different digest of the same shape.
func corrupt(d backend.Digest) backend.Digest {
	b := []byte(d)
	if b[0] == '0' {
		b[0] = '1'
	} else {
		b[0] = '0'
	}
	return backend.Digest(b)
}
