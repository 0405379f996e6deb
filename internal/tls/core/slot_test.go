package core

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/tlsmux/internal/tls/native"
	"github.com/kolkov/tlsmux/internal/tls/slottable"
	"github.com/kolkov/tlsmux/internal/tls/vector"
)

func TestSlot_RoundTrip(t *testing.T) {
	svc, _ := newTestService(native.ModePOSIX)
	s := svc.NewSlot()
	s.Initialize(nil)

	_, ok := s.Get()
	assert.False(t, ok, "fresh slot is unset")

	s.Set("value")
	got, ok := s.Get()
	require.True(t, ok)
	assert.Equal(t, "value", got)

	s.Set(nil)
	_, ok = s.Get()
	assert.False(t, ok, "setting nil clears")
}

func TestSlot_ThreadIsolation(t *testing.T) {
	svc, _ := newTestService(native.ModePOSIX)
	s := svc.NewSlot()
	s.Initialize(nil)
	s.Set("A")

	var before, after any
	var okBefore, okAfter bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		before, okBefore = s.Get()
		s.Set("B")
		after, okAfter = s.Get()
	}()
	<-done

	assert.False(t, okBefore)
	assert.Nil(t, before)
	assert.True(t, okAfter)
	assert.Equal(t, "B", after)

	got, _ := s.Get()
	assert.Equal(t, "A", got, "other thread's Set is invisible here")
}

func TestSlot_GenerationInvalidation(t *testing.T) {
	svc, _ := newTestService(native.ModePOSIX)

	s1 := svc.NewSlot()
	s1.Initialize(nil)
	s1.Set("v1")
	index := s1.Index()
	s1.Free()

	// Walk the round-robin cursor all the way around to index.
	var fillers []*Slot
	for i := 1; i < slottable.Capacity; i++ {
		f := svc.NewSlot()
		f.Initialize(nil)
		fillers = append(fillers, f)
	}
	s2 := svc.NewSlot()
	s2.Initialize(nil)
	require.Equal(t, index, s2.Index(), "index is reused")
	assert.NotEqual(t, s1.Generation(), s2.Generation())

	_, ok := s2.Get()
	assert.False(t, ok, "previous tenant's value must not leak")

	for _, f := range fillers {
		f.Free()
	}
}

func TestSlot_FreeThenReinitializeAllThreads(t *testing.T) {
	svc, _ := newTestService(native.ModePOSIX)

	s1 := svc.NewSlot()
	s1.Initialize(nil)
	index := s1.Index()

	const workers = 3
	var (
		setDone sync.WaitGroup
		checked sync.WaitGroup
		reinit  = make(chan *Slot)
		seen    [workers]bool
	)
	for w := 0; w < workers; w++ {
		setDone.Add(1)
		checked.Add(1)
		go func(w int) {
			defer checked.Done()
			s1.Set(w + 1)
			setDone.Done()
			s2 := <-reinit
			_, seen[w] = s2.Get()
		}(w)
	}
	s1.Set(0)
	setDone.Wait()

	s1.Free()
	var fillers []*Slot
	for i := 1; i < slottable.Capacity; i++ {
		f := svc.NewSlot()
		f.Initialize(nil)
		fillers = append(fillers, f)
	}
	s2 := svc.NewSlot()
	s2.Initialize(nil)
	require.Equal(t, index, s2.Index())

	for w := 0; w < workers; w++ {
		reinit <- s2
	}
	checked.Wait()

	for w, ok := range seen {
		assert.False(t, ok, "worker %d sees old value", w)
	}
	_, ok := s2.Get()
	assert.False(t, ok)
}

func TestSlot_ExactlyOnceDestruction(t *testing.T) {
	for _, mode := range []native.Mode{native.ModePOSIX, native.ModeNotify} {
		t.Run(mode.String(), func(t *testing.T) {
			svc, p := newTestService(mode)
			var log destructionLog
			s := svc.NewSlot()
			s.Initialize(log.destructor)

			var wg sync.WaitGroup
			for i := 0; i < 4; i++ {
				i := i
				wg.Add(1)
				go func() {
					defer wg.Done()
					svc.Run(func() { s.Set(i * 100) })
				}()
			}
			wg.Wait()

			assert.Equal(t, []int{0, 100, 200, 300}, log.sorted())
			assert.Equal(t, 0, p.Stats().Managed)
		})
	}
}

func TestSlot_ExhaustionIsFatal(t *testing.T) {
	svc, _ := newTestService(native.ModePOSIX)
	for i := 0; i < slottable.Capacity; i++ {
		svc.NewSlot().Initialize(nil)
	}

	extra := svc.NewSlot()
	err := recoverPanic(func() { extra.Initialize(nil) })
	require.Error(t, err)

	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "initialize slot", fe.Op)
	assert.ErrorIs(t, err, slottable.ErrSlotsExhausted)
	assert.False(t, extra.Initialized())
}

func TestSlot_ReentrantTeardownConverges(t *testing.T) {
	// B is initialized first so it has the lower index: the destructor pass
	// has already passed B when A's destructor sets it.
	svc, _ := newTestService(native.ModePOSIX)
	var log destructionLog

	b := svc.NewSlot()
	b.Initialize(log.destructor)
	a := svc.NewSlot()
	a.Initialize(func(v any) { b.Set(v.(int) + 1) })
	require.Less(t, b.Index(), a.Index())

	svc.Run(func() { a.Set(41) })

	assert.Equal(t, []int{42}, log.sorted())
}

func TestSlot_DestructorSeesOwnSlotCleared(t *testing.T) {
	svc, _ := newTestService(native.ModePOSIX)

	var (
		ownSet    bool
		destroyed bool
	)
	s := svc.NewSlot()
	s.Initialize(func(any) {
		_, ownSet = s.Get()
		destroyed = svc.HasBeenDestroyed()
	})

	svc.Run(func() {
		assert.False(t, svc.HasBeenDestroyed())
		s.Set("x")
	})

	assert.False(t, ownSet)
	assert.True(t, destroyed)
}

func TestSlot_NonQuiescentDestructorStops(t *testing.T) {
	svc, _ := newTestService(native.ModePOSIX, func(c *Config) { c.MaxPasses = 3 })

	calls := 0
	s := svc.NewSlot()
	s.Initialize(func(v any) {
		calls++
		s.Set(v)
	})

	svc.Run(func() { s.Set("forever") })

	assert.Equal(t, 3, calls)
}

func TestSlot_FreedSlotNotDestroyed(t *testing.T) {
	svc, _ := newTestService(native.ModePOSIX)
	var log destructionLog

	s := svc.NewSlot()
	s.Initialize(log.destructor)

	set := make(chan struct{})
	release := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		svc.Run(func() {
			s.Set(1)
			close(set)
			<-release
		})
	}()

	// Free while the thread still holds a value; its exit must skip it.
	<-set
	s.Free()
	close(release)
	<-exited

	assert.Empty(t, log.sorted())
}

func TestSlot_RepeatedPOSIXCallbackIsNoop(t *testing.T) {
	p := native.New(native.Config{Mode: native.ModePOSIX})
	_, err := p.AllocTLS(nil) // key 0, so the service gets key 1
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Platform = p
	cfg.Debug = true
	svc := New(cfg)

	var log destructionLog
	s := svc.NewSlot()
	s.Initialize(log.destructor)

	var (
		lateOK        bool
		lateDestroyed bool
	)
	late, err := p.AllocTLS(func(any) {
		s.Set(7)
		_, lateOK = s.Get()
		lateDestroyed = svc.HasBeenDestroyed()
	})
	require.NoError(t, err)
	require.Greater(t, int(late), int(svc.Stats().Key), "late key runs after the service key")

	svc.Run(func() {
		s.Set(1)
		require.NoError(t, p.SetTLSValue(late, "armed"))
	})

	assert.Equal(t, []int{1}, log.sorted(), "destructor ran exactly once")
	assert.False(t, lateOK, "set after teardown is dropped")
	assert.True(t, lateDestroyed)

	// A stray callback with the marker is harmless.
	assert.NotPanics(t, func() { svc.onThreadExit(vector.DestroyedMarker()) })
}

type reentrantAllocator struct {
	inner    *vector.PoolAllocator
	slot     *Slot
	sawEmpty bool
	fail     bool
}

func (a *reentrantAllocator) New() *vector.Vector {
	if a.fail {
		return nil
	}
	if a.slot != nil {
		_, ok := a.slot.Get()
		a.sawEmpty = !ok
		a.slot.Set("from-alloc")
	}
	return a.inner.New()
}

func (a *reentrantAllocator) Release(v *vector.Vector) {
	a.inner.Release(v)
}

func TestConstruct_ReentrantAllocator(t *testing.T) {
	alloc := &reentrantAllocator{inner: vector.NewPoolAllocator()}
	svc, _ := newTestService(native.ModePOSIX, func(c *Config) { c.Allocator = alloc })

	s := svc.NewSlot()
	s.Initialize(nil)
	alloc.slot = s

	var got any
	var ok bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		got, ok = s.Get()
	}()
	<-done

	assert.True(t, alloc.sawEmpty, "allocator sees a valid, empty table")
	assert.True(t, ok, "writes made during allocation survive promotion")
	assert.Equal(t, "from-alloc", got)
}

func TestConstruct_AllocationFailureIsFatal(t *testing.T) {
	alloc := &reentrantAllocator{inner: vector.NewPoolAllocator(), fail: true}
	svc, _ := newTestService(native.ModePOSIX, func(c *Config) { c.Allocator = alloc })

	var err error
	done := make(chan struct{})
	go func() {
		defer close(done)
		err = recoverPanic(func() { svc.NewSlot().Initialize(nil) })
	}()
	<-done

	assert.ErrorIs(t, err, ErrAllocFailed)
}

func TestSlot_ContractViolations(t *testing.T) {
	svc, _ := newTestService(native.ModePOSIX)

	fresh := svc.NewSlot()
	assert.ErrorIs(t, recoverPanic(func() { fresh.Get() }), ErrContractViolation)
	assert.ErrorIs(t, recoverPanic(func() { fresh.Set(1) }), ErrContractViolation)

	s := svc.NewSlot()
	s.Initialize(nil)
	assert.ErrorIs(t, recoverPanic(func() { s.Initialize(nil) }), ErrContractViolation)

	s.Free()
	assert.ErrorIs(t, recoverPanic(func() { s.Get() }), ErrContractViolation)
	assert.ErrorIs(t, recoverPanic(func() { s.Free() }), ErrContractViolation)
}

func TestSlot_ReleaseModeSkipsChecks(t *testing.T) {
	svc, _ := newTestService(native.ModePOSIX, func(c *Config) { c.Debug = false })

	s := svc.NewSlot()
	s.Initialize(nil)
	s.Set("x")
	s.Free()

	assert.NotPanics(t, func() { s.Free() })
}

func TestService_Stats(t *testing.T) {
	svc, _ := newTestService(native.ModePOSIX)
	assert.Equal(t, native.KeyUnallocated, svc.Stats().Key)

	s := svc.NewSlot()
	s.Initialize(nil)
	st := svc.Stats()
	assert.NotEqual(t, native.KeyUnallocated, st.Key)
	assert.Equal(t, 1, st.SlotsInUse)
	assert.Equal(t, slottable.Capacity, st.Capacity)
	assert.False(t, svc.HasBeenDestroyed())
}

func BenchmarkSlot_GetSet(b *testing.B) {
	svc, _ := newTestService(native.ModePOSIX, func(c *Config) { c.Debug = false })
	s := svc.NewSlot()
	s.Initialize(nil)

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		s.Set(i)
		_, _ = s.Get()
	}
}

func leakSlots(svc *Service, n int) {
	for i := 0; i < n; i++ {
		svc.NewSlot().Initialize(nil)
	}
}

func TestService_HoldersPointAtLeak(t *testing.T) {
	svc, _ := newTestService(native.ModePOSIX)

	keep := svc.NewSlot()
	keep.Initialize(nil)
	leakSlots(svc, slottable.Capacity-1)

	err := recoverPanic(func() { svc.NewSlot().Initialize(nil) })
	require.ErrorIs(t, err, slottable.ErrSlotsExhausted)

	holders := svc.Holders()
	require.Len(t, holders, 2)
	assert.Equal(t, slottable.Capacity-1, holders[0].Slots)
	assert.Contains(t, holders[0].Stack, "core.leakSlots")
	assert.Equal(t, 1, holders[1].Slots)

	keep.Free()
	assert.Len(t, svc.Holders(), 1)
}

func TestService_HoldersEmptyWithoutDebug(t *testing.T) {
	svc, _ := newTestService(native.ModePOSIX, func(c *Config) { c.Debug = false })
	svc.NewSlot().Initialize(nil)
	assert.Empty(t, svc.Holders())
}

func TestService_SharedPlatformDestroysOtherServicesValues(t *testing.T) {
	p := native.New(native.Config{})
	newOn := func() *Service {
		cfg := DefaultConfig()
		cfg.Platform = p
		return New(cfg)
	}
	a, b := newOn(), newOn()

	var logA, logB destructionLog
	sa, sb := a.NewSlot(), b.NewSlot()
	sa.Initialize(logA.destructor)
	sb.Initialize(logB.destructor)

	a.Run(func() {
		sa.Set(1)
		sb.Set(2)
	})

	assert.Equal(t, []int{1}, logA.sorted())
	assert.Equal(t, []int{2}, logB.sorted(), "b's value dies with a's managed thread")
	assert.NotEqual(t, a.Stats().Key, b.Stats().Key)
	assert.Equal(t, 2, p.Stats().Keys)
}

func TestService_Close(t *testing.T) {
	svc, p := newTestService(native.ModePOSIX)
	require.NoError(t, svc.Close(), "closing before first use is a no-op")

	var log destructionLog
	s := svc.NewSlot()
	s.Initialize(log.destructor)
	s.Set(1)
	require.Equal(t, 1, p.Stats().Keys)

	require.NoError(t, svc.Close())
	assert.Equal(t, 0, p.Stats().Keys)
	assert.Equal(t, native.KeyUnallocated, svc.Stats().Key)

	p.Run(func() {})
	assert.Empty(t, log.sorted(), "closed service gets no exit callbacks")
}
