// Package trust anchors domain models in a hardware root of trust.
// The boot aggregate seeds every model's state composition and root
// domain coefficients are extended into a TPM PCR so the modeled
// history is attestable.
package trust

import (
	"log/slog"
	"sync"

	"github.com/Programator2/TSEM/internal/digest"
	"github.com/Programator2/TSEM/internal/event"
)

// Bank describes one PCR bank of the chip: the hash algorithm name
// and its digest size in bytes.
type Bank struct {
	Name string
	Size int
}

// Chip is the hardware collaborator of the trust root.
type Chip interface {
	// Present reports whether trust hardware is available.
	Present() bool
	// Banks lists the active PCR banks.
	Banks() []Bank
	// PCRRead returns the current value of a PCR in the named bank.
	PCRRead(bank string, index int) ([]byte, error)
	// PCRExtend extends a PCR with one digest per bank.
	PCRExtend(index int, digests map[string][]byte) error
}

// NullChip is the trust collaborator used when no TPM is available.
// Aggregates computed over it are all zeros.
type NullChip struct{}

func (NullChip) Present() bool                          { return false }
func (NullChip) Banks() []Bank                          { return nil }
func (NullChip) PCRRead(string, int) ([]byte, error)    { return nil, nil }
func (NullChip) PCRExtend(int, map[string][]byte) error { return nil }

const (
	// aggregatePCRs is the number of boot measurement PCRs folded
	// into the hardware aggregate.
	aggregatePCRs = 8

	queueDepth = 1024
)

// Root is the trust root shared by every modeling domain. Aggregate
// values are memoized per digest function; coefficient extends run on
// a single worker goroutine so PCR updates keep event order.
type Root struct {
	chip Chip
	pcr  int
	log  *slog.Logger

	// OnExtendFailure is invoked for every failed PCR extend, after
	// the failure has been logged.
	OnExtendFailure func()

	mu         sync.Mutex
	aggregates map[string][]byte

	absentOnce sync.Once

	queue chan *event.Event
	done  chan struct{}
	wg    sync.WaitGroup
}

// New builds a trust root over chip, extending coefficients into the
// PCR at index pcr.
func New(chip Chip, pcr int, log *slog.Logger) *Root {
	if log == nil {
		log = slog.Default()
	}
	r := &Root{
		chip:       chip,
		pcr:        pcr,
		log:        log,
		aggregates: make(map[string][]byte),
		queue:      make(chan *event.Event, queueDepth),
		done:       make(chan struct{}),
	}
	r.wg.Add(1)
	go r.worker()
	return r
}

// Aggregate returns the hardware boot aggregate rendered with the
// given digest function: the digest over the concatenated values of
// the first eight PCRs of the primary bank. Without trust hardware
// the aggregate is all zeros.
func (r *Root) Aggregate(d *digest.Digest) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if value, ok := r.aggregates[d.Name()]; ok {
		return append([]byte(nil), value...)
	}

	value := r.computeAggregate(d)
	r.aggregates[d.Name()] = value
	return append([]byte(nil), value...)
}

func (r *Root) computeAggregate(d *digest.Digest) []byte {
	if !r.chip.Present() {
		r.absentOnce.Do(func() {
			r.log.Info("no trust hardware, using null aggregate")
		})
		return make([]byte, d.Size())
	}

	bank := primaryBank(r.chip.Banks())
	h := d.New()
	for index := 0; index < aggregatePCRs; index++ {
		value, err := r.chip.PCRRead(bank, index)
		if err != nil {
			r.log.Error("PCR read failed",
				"bank", bank, "pcr", index, "error", err)
			return make([]byte, d.Size())
		}
		h.Write(value)
	}
	return h.Sum(nil)
}

// primaryBank prefers sha256, then sha1, then whatever the chip
// offers first.
func primaryBank(banks []Bank) string {
	for _, want := range []string{"sha256", "sha1"} {
		for _, b := range banks {
			if b.Name == want {
				return want
			}
		}
	}
	if len(banks) > 0 {
		return banks[0].Name
	}
	return "sha256"
}

// Extend schedules the event's coefficient for extension into the
// measurement PCR. The event is retained until the worker has
// processed it. Extension failures are logged and counted but never
// propagate to the caller.
func (r *Root) Extend(ev *event.Event) {
	if !r.chip.Present() {
		return
	}
	ev.Retain()
	select {
	case r.queue <- ev:
	case <-r.done:
		ev.Release()
	default:
		r.log.Warn("trust extend queue full, dropping measurement",
			"pcr", r.pcr)
		if r.OnExtendFailure != nil {
			r.OnExtendFailure()
		}
		ev.Release()
	}
}

// Close stops the extend worker after draining queued measurements.
func (r *Root) Close() {
	close(r.done)
	r.wg.Wait()
}

func (r *Root) worker() {
	defer r.wg.Done()
	for {
		select {
		case ev := <-r.queue:
			r.extend(ev)
		case <-r.done:
			for {
				select {
				case ev := <-r.queue:
					r.extend(ev)
				default:
					return
				}
			}
		}
	}
}

func (r *Root) extend(ev *event.Event) {
	defer ev.Release()

	digests := make(map[string][]byte)
	for _, bank := range r.chip.Banks() {
		digests[bank.Name] = fitDigest(ev.Mapping, bank.Size)
	}
	if len(digests) == 0 {
		return
	}

	if err := r.chip.PCRExtend(r.pcr, digests); err != nil {
		r.log.Error("PCR extend failed", "pcr", r.pcr, "error", err)
		if r.OnExtendFailure != nil {
			r.OnExtendFailure()
		}
	}
}

// fitDigest adapts a coefficient to a bank's digest size: truncated
// when longer, zero padded when shorter.
func fitDigest(value []byte, size int) []byte {
	out := make([]byte, size)
	copy(out, value)
	return out
}
