// Package trng implements the core datapath of a hybrid true random
// number generator: entropy from multiple independent sources is
// sampled fairly, conditioned through a chained cryptographic hash
// mixer, and expanded by a seeded variable-round ChaCha CSPRNG into a
// stream of 32-bit random words.
//
// The pipeline is a faithful software port of a synchronous hardware
// design. All five stages advance together on a logical tick driven by
// Step; no stage ever blocks, and backpressure flows upstream as polled
// level signals (buffer-not-full gates generation, reseed-needed gates
// the mixer, block-needed gates the reader).
//
// Example usage:
//
//	rng, err := trng.New(trng.Config{
//	    Sources: []trng.Source{src},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rng.Close()
//
//	buf := make([]byte, 32)
//	if _, err := rng.Read(buf); err != nil {
//	    log.Fatal(err)
//	}
package trng

import (
	"errors"
	"sync"

	"github.com/hashicorp/go-hclog"
)

var (
	// ErrClosed is returned from operations on a closed pipeline.
	ErrClosed = errors.New("trng: pipeline closed")

	// ErrStarved is returned from Read when the pipeline makes no
	// progress for an extended run of ticks, typically because every
	// enabled source has stalled.
	ErrStarved = errors.New("trng: no entropy available")
)

// readStallLimit bounds how many consecutive unproductive ticks Read
// tolerates before giving up with ErrStarved.
const readStallLimit = 1 << 22

// TRNG is the assembled pipeline. All methods are safe for concurrent
// use; internally the core runs as single-threaded state stepping under
// one lock, preserving the tick semantics of the hardware design.
type TRNG struct {
	mu  sync.Mutex
	cfg Config
	log hclog.Logger
	met *metrics

	handles []*sourceHandle
	rd      *reader
	mx      *mixer
	cs      *csprng
	buf     *outputBuffer

	enabled bool
	closed  bool

	// Pending commands, applied at the start of the next tick.
	reseedReq  bool
	discardReq bool
	restartReq bool

	ticks uint64
}

// New creates a TRNG pipeline with the specified configuration. The
// pipeline starts enabled but unseeded; output becomes available only
// after enough entropy has flowed through the mixer to complete the
// first two-fragment seeding transaction.
func New(cfg Config) (*TRNG, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := cfg.logger()

	handles := make([]*sourceHandle, len(cfg.Sources))
	for i, s := range cfg.Sources {
		handles[i] = &sourceHandle{src: s, enabled: true}
	}

	t := &TRNG{
		cfg:     cfg,
		log:     log,
		met:     newMetrics(cfg.MetricsRegisterer),
		handles: handles,
		rd:      newReader(handles),
		mx:      newMixer(cfg.Hash, log),
		cs:      newCSPRNG(cfg.rounds(), cfg.blocks(), log),
		buf:     newOutputBuffer(cfg.bufferSlots()),
		enabled: true,
	}

	log.Info("trng pipeline created",
		"name", CoreName0, "version", CoreVersion,
		"sources", len(handles),
		"rounds", cfg.rounds(), "num_blocks", cfg.blocks(),
		"buffer_slots", cfg.bufferSlots(), "hash", cfg.Hash.String())

	return t, nil
}

// Step advances every stage of the pipeline by one tick. Commands
// issued since the previous tick take effect first.
func (t *TRNG) Step() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.step()
}

// step is the tick body. Caller holds the lock.
func (t *TRNG) step() {
	if t.closed {
		return
	}
	t.ticks++

	if t.restartReq {
		t.restartReq = false
		t.mx.restart()
		t.cs.cancel()
	}
	if t.discardReq {
		t.discardReq = false
		t.mx.cancel()
		t.cs.cancel()
	}
	if t.reseedReq {
		// Scoped to the CSPRNG; the mixer chain and any block in
		// flight stay untouched.
		t.reseedReq = false
		t.cs.cancel()
	}

	if !t.enabled && t.mx.state != mixerIdle && t.mx.state != mixerCancel {
		t.mx.cancel()
	}

	ev := t.cs.step(t.mx, t.buf, t.enabled)
	if ev.reseeded {
		t.met.observeReseed()
	}
	if ev.discarded {
		t.met.observeDiscard()
	}
	if ev.generated {
		t.met.observeBlock(t.cs.budget)
	}

	absorbed := t.mx.absorbed
	t.mx.step(t.cs.moreSeed)
	if t.mx.absorbed > absorbed {
		t.met.observeMixBlock()
	}

	if t.enabled {
		if h := t.rd.step(t.mx); h != nil {
			t.met.observeSourceWord(h.src.ID())
		} else if t.mx.collecting() {
			t.met.observeStall()
		}
	}
}

// ReadWord consumes one 32-bit random word if one is available. It
// does not advance the pipeline; interleave with Step, or use Read.
func (t *TRNG) ReadWord() (uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || !t.buf.valid() {
		return 0, false
	}
	w := t.buf.word()
	t.buf.ack()
	t.met.observeWord()
	return w, true
}

// WordValid reports whether a word is available without consuming it.
func (t *TRNG) WordValid() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed && t.buf.valid()
}

// Read fills p with random bytes, stepping the pipeline as needed. It
// implements io.Reader. Read returns ErrStarved if the pipeline stops
// making progress (all sources stalled) and ErrClosed after Close.
func (t *TRNG) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	stalled := 0
	var word uint32
	have := 0 // valid bytes remaining in word

	for n < len(p) {
		if t.closed {
			return n, ErrClosed
		}
		if have == 0 {
			if t.buf.valid() {
				word = t.buf.word()
				t.buf.ack()
				t.met.observeWord()
				have = 4
				stalled = 0
			} else {
				if stalled++; stalled > readStallLimit {
					return n, ErrStarved
				}
				t.step()
				continue
			}
		}
		p[n] = byte(word)
		word >>= 8
		have--
		n++
	}
	return n, nil
}

// SetEnabled drives the level-sensitive enable command. Disabling halts
// the CSPRNG and mixer at the next tick; buffered output is discarded
// as part of the CSPRNG cancel. Sources keep running.
func (t *TRNG) SetEnabled(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enabled == on {
		return
	}
	t.enabled = on
	t.log.Info("trng enable changed", "enabled", on)
}

// Reseed pulses the reseed command: at the next tick the CSPRNG
// discards its current epoch and runs a fresh two-fragment seeding
// cycle. The mixer hash chain is left intact.
func (t *TRNG) Reseed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reseedReq = true
}

// Discard pulses the discard command: at the next tick the output
// buffer is flushed, the CSPRNG cancels, and the mixer scrubs its
// in-flight block. The hash chain persists.
func (t *TRNG) Discard() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.discardReq = true
}

// Restart is the explicit operator restart: everything Discard does,
// plus reinitialization of the mixer hash chain.
func (t *TRNG) Restart() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.restartReq = true
}

// SetSourceEnabled sets the operator enable bit for one source.
func (t *TRNG) SetSourceEnabled(id string, on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, h := range t.handles {
		if h.src.ID() == id {
			h.enabled = on
			t.log.Info("source enable changed", "source", id, "enabled", on)
			return nil
		}
	}
	return ErrUnknownSource
}

// HealthCheck sweeps all sources and returns an aggregate error naming
// every source whose online tests are failing, or nil.
func (t *TRNG) HealthCheck() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return healthSweep(t.handles)
}

// Status returns a read-only snapshot of the pipeline.
func (t *TRNG) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := Status{
		Name:        CoreName0,
		Version:     CoreVersion,
		Enabled:     t.enabled,
		Ready:       t.cs.ready(),
		WordValid:   t.buf.valid(),
		BlockBudget: t.cs.budget,
		Ticks:       t.ticks,
	}

	for _, h := range t.handles {
		ok := h.healthy()
		if !ok {
			st.SecurityError = true
		}
		st.Sources = append(st.Sources, SourceStatus{
			ID:              h.src.ID(),
			OperatorEnabled: h.enabled,
			SelfEnabled:     h.src.Enabled(),
			Ready:           h.src.Ready(),
			Healthy:         ok,
		})
	}

	return st
}

// Close scrubs all key material, entropy buffers and buffered output.
// After Close the pipeline no longer advances and Read returns
// ErrClosed. Sources are not stopped; they belong to the caller.
func (t *TRNG) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	t.cs.scrub()
	t.mx.block.reset()
	zeroBytes(t.mx.frag[:])
	t.mx.fragValid = false
	t.buf.discard()

	t.log.Info("trng pipeline closed", "ticks", t.ticks)
	return nil
}
