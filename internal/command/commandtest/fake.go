// Package commandtest provides a scriptable command.Runner for tests.
package commandtest

import (
	"context"
	"strings"
	"sync"

	"sshsentry/internal/command"
)

type Handler func(name string, args []string) (command.Result, error)

type Fake struct {
	mu      sync.Mutex
	handler Handler
	calls   []string
}

func New(h Handler) *Fake {
	return &Fake{handler: h}
}

func (f *Fake) Run(_ context.Context, name string, args ...string) (command.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, command.Line(name, args...))
	h := f.handler
	f.mu.Unlock()
	if h == nil {
		return command.Result{}, nil
	}
	return h(name, args)
}

func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CountPrefix reports how many recorded calls start with prefix.
func (f *Fake) CountPrefix(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}
