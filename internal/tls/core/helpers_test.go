package core

import (
	"sort"
	"sync"

	"github.com/kolkov/tlsmux/internal/tls/native"
)

func newTestService(mode native.Mode, tweak ...func(*Config)) (*Service, *native.Platform) {
	p := native.New(native.Config{Mode: mode})
	cfg := DefaultConfig()
	cfg.Platform = p
	cfg.Debug = true
	for _, f := range tweak {
		f(&cfg)
	}
	return New(cfg), p
}

// recoverPanic runs fn and returns the panic value as an error, or nil.
func recoverPanic(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err, _ = r.(error)
		}
	}()
	fn()
	return nil
}

// destructionLog records destructor calls.
type destructionLog struct {
	mu     sync.Mutex
	values []int
}

func (l *destructionLog) destructor(v any) {
	l.mu.Lock()
	l.values = append(l.values, v.(int))
	l.mu.Unlock()
}

func (l *destructionLog) sorted() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := append([]int(nil), l.values...)
	sort.Ints(out)
	return out
}
