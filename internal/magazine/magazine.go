// Package magazine implements a fixed-capacity pool of pre-allocated
// objects that can be drawn from non-blocking (locked) contexts.
// Consumed slots are refilled by a background worker, so the magazine
// recovers its full capacity once the caller yields.
package magazine

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Magazine holds size pre-allocated objects of type T. The zero value
// is not usable; construct with New.
//
// A blocking Get allocates directly. A locked Get takes the first free
// slot's object, marks the slot reserved in the bitmap and hands the
// slot index to the refill worker. The worker installs a fresh object
// into the slot before clearing the reservation bit, so a slot is
// never observed free with a stale object in it.
type Magazine[T any] struct {
	name   string
	domain uint64
	fill   func() *T
	log    *slog.Logger

	mu     sync.Mutex
	bitmap []uint64
	size   int
	slots  []atomic.Pointer[T]

	refill chan int
	done   chan struct{}
	wg     sync.WaitGroup

	warnings  atomic.Uint64
	exhausted atomic.Uint64
}

// New builds a magazine of size slots for the given modeling domain.
// fill supplies fresh objects for both pre-allocation and refills;
// it must be safe to call from the refill goroutine.
func New[T any](name string, domain uint64, size int, fill func() *T, log *slog.Logger) *Magazine[T] {
	if size <= 0 {
		size = 1
	}
	if log == nil {
		log = slog.Default()
	}
	m := &Magazine[T]{
		name:   name,
		domain: domain,
		fill:   fill,
		log:    log,
		bitmap: make([]uint64, (size+63)/64),
		size:   size,
		slots:  make([]atomic.Pointer[T], size),
		refill: make(chan int, size),
		done:   make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		m.slots[i].Store(fill())
	}
	m.wg.Add(1)
	go m.refillWorker()
	return m
}

// Size returns the slot count. The size is fixed for the lifetime of
// the magazine.
func (m *Magazine[T]) Size() int { return m.size }

// Get returns a fresh object. When locked is false the object is
// allocated directly. When locked is true the object comes from the
// magazine without blocking; nil is returned if every slot is
// currently reserved. comm names the task on whose behalf the
// allocation is made and appears in exhaustion warnings.
func (m *Magazine[T]) Get(locked bool, comm string) *T {
	if !locked {
		return m.fill()
	}

	m.mu.Lock()
	index := m.firstClear()
	var obj *T
	if index >= 0 {
		obj = m.slots[index].Load()
		m.setBit(index)
	}
	m.mu.Unlock()

	if obj != nil {
		select {
		case m.refill <- index:
		case <-m.done:
		}
		return obj
	}

	m.exhausted.Add(1)
	count := m.warnings.Add(1)
	if count == 1 || count%100 == 0 {
		m.log.Warn("magazine exhausted",
			"magazine", m.name,
			"domain", m.domain,
			"comm", comm,
			"size", m.size,
			"total", count)
	}
	return nil
}

// Exhausted returns the number of locked allocations that failed
// because no slot was free.
func (m *Magazine[T]) Exhausted() uint64 { return m.exhausted.Load() }

// Close stops the refill worker. Outstanding refill requests are
// completed first.
func (m *Magazine[T]) Close() {
	close(m.done)
	m.wg.Wait()
}

func (m *Magazine[T]) refillWorker() {
	defer m.wg.Done()
	for {
		select {
		case index := <-m.refill:
			m.refillSlot(index)
		case <-m.done:
			// Drain requests already queued so no slot is left
			// permanently reserved.
			for {
				select {
				case index := <-m.refill:
					m.refillSlot(index)
				default:
					return
				}
			}
		}
	}
}

func (m *Magazine[T]) refillSlot(index int) {
	obj := m.fill()
	// The store must be visible before the bit clear publishes the
	// slot; atomic.Pointer.Store followed by the locked clear gives
	// the release/acquire pairing.
	m.slots[index].Store(obj)

	m.mu.Lock()
	m.clearBit(index)
	m.mu.Unlock()
}

func (m *Magazine[T]) firstClear() int {
	for w, word := range m.bitmap {
		if word == ^uint64(0) {
			continue
		}
		for b := 0; b < 64; b++ {
			index := w*64 + b
			if index >= m.size {
				return -1
			}
			if word&(1<<uint(b)) == 0 {
				return index
			}
		}
	}
	return -1
}

func (m *Magazine[T]) setBit(index int)   { m.bitmap[index/64] |= 1 << uint(index%64) }
func (m *Magazine[T]) clearBit(index int) { m.bitmap[index/64] &^= 1 << uint(index%64) }
