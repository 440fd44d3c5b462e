package trng

import (
	"bytes"
	"testing"
)

// stepUntil drives the pipeline until cond holds, failing after max
// ticks.
func stepUntil(t *testing.T, rng *TRNG, max int, what string, cond func() bool) {
	t.Helper()
	for i := 0; i < max; i++ {
		if cond() {
			return
		}
		rng.Step()
	}
	t.Fatalf("condition %q not reached within %d ticks", what, max)
}

// readWords consumes n words, stepping whenever none is pending.
func readWords(t *testing.T, rng *TRNG, n int) []uint32 {
	t.Helper()
	out := make([]uint32, 0, n)
	for ticks := 0; len(out) < n; ticks++ {
		if ticks > 1<<16 {
			t.Fatalf("read starved after %d words", len(out))
		}
		if w, ok := rng.ReadWord(); ok {
			out = append(out, w)
		} else {
			rng.Step()
		}
	}
	return out
}

func newTestTRNG(t *testing.T, cfg Config) *TRNG {
	t.Helper()
	rng, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rng.Close() })
	return rng
}

// Scenario: cold start with one synthetic constant source.
func TestColdStartSeedsBeforeOutput(t *testing.T) {
	src := newTestSource("const", constWords(0xAAAAAAAA), 0)
	rng := newTestTRNG(t, Config{
		Sources:   []Source{src},
		NumRounds: 24,
		NumBlocks: 8,
	})

	// No word may appear before a complete two-fragment transaction.
	stepUntil(t, rng, 1<<14, "first output", func() bool {
		if rng.buf.valid() && !rng.cs.seeded {
			t.Fatal("output before seeding completed")
		}
		return rng.buf.valid()
	})
	if got := rng.mx.absorbed; got != 2 {
		t.Errorf("absorbed blocks at first output = %d, want 2", got)
	}
	if !rng.Status().Ready {
		t.Error("status not ready after seeding")
	}

	// The first 16 acks drain exactly one keystream block.
	pending := rng.buf.slots[rng.buf.rd]
	words := readWords(t, rng, blockWords)
	for i, w := range words {
		if w != pending[i] {
			t.Fatalf("word %d = %#x, want lane %d of first slot (%#x)", i, w, i, pending[i])
		}
	}

	// With an 8-block budget, continued draining must force a reseed:
	// the mixer absorbs two more blocks.
	stepUntil(t, rng, 1<<14, "reseed observable", func() bool {
		if rng.cs.budget > 8 {
			t.Fatalf("budget %d exceeded configured threshold 8", rng.cs.budget)
		}
		if w, ok := rng.ReadWord(); ok {
			_ = w
		}
		return rng.mx.absorbed >= 4
	})
}

// Scenario: round-robin fairness between a fast and a slow source.
func TestTwoSourceFairness(t *testing.T) {
	a := newTestSource("a", constWords(1), 0)
	b := newTestSource("b", constWords(2), 1)
	rng := newTestTRNG(t, Config{Sources: []Source{a, b}})

	// Drive until the first mix block has been absorbed.
	stepUntil(t, rng, 1<<12, "first block absorbed", func() bool {
		return rng.mx.absorbed >= 1
	})

	total := a.acks + b.acks
	if total < mixBlockWords {
		t.Fatalf("only %d words sampled", total)
	}
	if a.acks == 0 || b.acks == 0 {
		t.Fatalf("one source starved: a=%d b=%d", a.acks, b.acks)
	}
	if a.acks >= total || b.acks >= total {
		t.Fatalf("one source owned the block: a=%d b=%d", a.acks, b.acks)
	}
}

// Invariant: across a 32-slot window with k equal sources, none
// contributes more than ceil(32/k).
func TestFairnessBoundEqualSources(t *testing.T) {
	a := newTestSource("a", constWords(1), 0)
	b := newTestSource("b", constWords(2), 0)
	c := newTestSource("c", constWords(3), 0)
	d := newTestSource("d", constWords(4), 0)
	rng := newTestTRNG(t, Config{Sources: []Source{a, b, c, d}})

	stepUntil(t, rng, 1<<12, "first block absorbed", func() bool {
		return rng.mx.absorbed >= 1
	})

	for _, s := range []*testSource{a, b, c, d} {
		if s.acks > 8 { // ceil(32/4)
			t.Errorf("source %s contributed %d of first 32+, exceeding ceil(32/4)", s.id, s.acks)
		}
	}
}

// Scenario: discard flushes the buffer and forces a fresh seeding.
func TestDiscardFlush(t *testing.T) {
	src := newTestSource("s", seqWords(1), 0)
	rng := newTestTRNG(t, Config{Sources: []Source{src}})

	stepUntil(t, rng, 1<<14, "buffer full", func() bool {
		return rng.buf.fill == rng.cfg.bufferSlots()
	})
	absorbedBefore := rng.mx.absorbed

	rng.Discard()
	rng.Step()

	if rng.WordValid() {
		t.Fatal("word still valid after discard tick")
	}
	if rng.Status().Ready {
		t.Fatal("csprng still ready after discard")
	}
	for si := range rng.buf.slots {
		for li, w := range rng.buf.slots[si] {
			if w != 0 {
				t.Fatalf("slot %d lane %d not zeroized: %#x", si, li, w)
			}
		}
	}

	// Output must stay invalid until a fresh two-fragment cycle
	// completes, then return.
	stepUntil(t, rng, 1<<14, "output after reseed", func() bool {
		if rng.buf.valid() && !rng.cs.seeded {
			t.Fatal("output reappeared before reseeding")
		}
		return rng.buf.valid()
	})
	if rng.mx.absorbed != absorbedBefore+2 {
		t.Errorf("absorbed = %d, want %d (two fresh fragments)",
			rng.mx.absorbed, absorbedBefore+2)
	}
}

// Invariant: discard is idempotent.
func TestDiscardIdempotent(t *testing.T) {
	src := newTestSource("s", seqWords(1), 0)
	rng := newTestTRNG(t, Config{Sources: []Source{src}})
	stepUntil(t, rng, 1<<14, "output valid", func() bool { return rng.buf.valid() })

	type observable struct {
		enabled, ready, wordValid, securityError bool
		budget                                   uint64
	}
	observe := func() observable {
		st := rng.Status()
		return observable{st.Enabled, st.Ready, st.WordValid, st.SecurityError, st.BlockBudget}
	}

	rng.Discard()
	rng.Step()
	once := observe()

	rng.Discard()
	rng.Step()
	twice := observe()

	if once != twice {
		t.Errorf("double discard diverged: %+v vs %+v", once, twice)
	}
}

// Scenario: a reseed pulse mid-generation replaces pending output.
func TestReseedReplacesPendingWords(t *testing.T) {
	src := newTestSource("s", seqWords(7), 0)
	rng := newTestTRNG(t, Config{Sources: []Source{src}})
	stepUntil(t, rng, 1<<14, "output valid", func() bool { return rng.buf.valid() })

	pending := rng.buf.slots[rng.buf.rd]

	rng.Reseed()
	rng.Step()
	if rng.WordValid() {
		t.Fatal("pending words survived the reseed pulse")
	}

	fresh := readWords(t, rng, blockWords)
	same := true
	for i, w := range fresh {
		if w != pending[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("post-reseed words repeat the discarded lanes")
	}
}

// Reseed leaves the mixer chain intact: a reseed must not reinitialize
// the chain the way Restart does.
func TestReseedKeepsChainRestartResets(t *testing.T) {
	src := newTestSource("s", constWords(3), 0)
	rng := newTestTRNG(t, Config{Sources: []Source{src}})
	stepUntil(t, rng, 1<<14, "seeded", func() bool { return rng.cs.seeded })

	frag1 := append([]byte(nil), rng.cs.working[:]...) // first fragment of epoch 1

	rng.Reseed()
	rng.Step()
	stepUntil(t, rng, 1<<14, "reseeded", func() bool { return rng.cs.seeded })
	frag2 := append([]byte(nil), rng.cs.working[:]...)

	if bytes.Equal(frag1, frag2) {
		t.Error("reseed reproduced the first fragment; chain appears reinitialized")
	}

	// Restart resets the chain: with a constant source the first
	// fragment after a restart equals the very first fragment.
	rng.Restart()
	rng.Step()
	stepUntil(t, rng, 1<<14, "restarted", func() bool { return rng.cs.seeded })
	frag3 := append([]byte(nil), rng.cs.working[:]...)

	if !bytes.Equal(frag1, frag3) {
		t.Error("restart did not reinitialize the chain")
	}
}

// Scenario: a disabled source is never acked, even when it raises syn.
func TestDisabledSourceIgnored(t *testing.T) {
	a := newTestSource("a", seqWords(100), 0)
	b := newTestSource("b", constWords(0xbad), 0) // spuriously ready
	rng := newTestTRNG(t, Config{Sources: []Source{a, b}})

	if err := rng.SetSourceEnabled("b", false); err != nil {
		t.Fatal(err)
	}

	stepUntil(t, rng, 1<<12, "first block absorbed", func() bool {
		return rng.mx.absorbed >= 1
	})

	if b.acks != 0 {
		t.Errorf("disabled source acked %d times", b.acks)
	}
	// Source a's words arrive in strict arrival order.
	for i := 1; i < len(a.served); i++ {
		if a.served[i] != a.served[i-1]+1 {
			t.Fatalf("words out of arrival order at %d: %v", i, a.served[:i+1])
		}
	}

	if err := rng.SetSourceEnabled("nope", true); err != ErrUnknownSource {
		t.Errorf("unknown source: got %v, want ErrUnknownSource", err)
	}
}

// Scenario: an overflowing num_blocks configuration clamps to the hard
// cap.
func TestBlockBudgetHardCap(t *testing.T) {
	src := newTestSource("s", constWords(1), 0)

	cfg := Config{Sources: []Source{src}, NumBlocks: MaxNumBlocks << 1}
	if got := cfg.blocks(); got != MaxNumBlocks {
		t.Fatalf("blocks() = %d, want hard cap %d", got, MaxNumBlocks)
	}

	rng := newTestTRNG(t, cfg)
	if rng.cs.threshold != MaxNumBlocks {
		t.Errorf("threshold = %d, want %d", rng.cs.threshold, MaxNumBlocks)
	}
}

func TestBudgetNeverExceedsSmallThreshold(t *testing.T) {
	src := newTestSource("s", seqWords(0), 0)
	rng := newTestTRNG(t, Config{Sources: []Source{src}, NumBlocks: 3})

	for i := 0; i < 1<<13; i++ {
		if rng.cs.budget > 3 {
			t.Fatalf("budget %d exceeded threshold 3", rng.cs.budget)
		}
		if _, ok := rng.ReadWord(); !ok {
			rng.Step()
		}
	}
}

func TestDisableHaltsPipeline(t *testing.T) {
	src := newTestSource("s", constWords(9), 0)
	rng := newTestTRNG(t, Config{Sources: []Source{src}})
	stepUntil(t, rng, 1<<14, "output valid", func() bool { return rng.buf.valid() })

	rng.SetEnabled(false)
	rng.Step()

	if rng.Status().Ready || rng.WordValid() {
		t.Fatal("disable did not halt the expander")
	}
	acks := src.acks
	for i := 0; i < 100; i++ {
		rng.Step()
	}
	if src.acks != acks {
		t.Error("reader sampled sources while disabled")
	}

	rng.SetEnabled(true)
	stepUntil(t, rng, 1<<14, "output after re-enable", func() bool {
		return rng.buf.valid()
	})
}

func TestPipelineDeterministicFromIdenticalEntropy(t *testing.T) {
	var seed [32]byte
	copy(seed[:], "determinism across twin pipelines")

	mk := func() *TRNG {
		return newTestTRNG(t, Config{
			Sources:           []Source{NewPseudoSource("p", seed)},
			AllowPseudoSource: true,
		})
	}
	r1, r2 := mk(), mk()

	b1 := make([]byte, 256)
	b2 := make([]byte, 256)
	if _, err := r1.Read(b1); err != nil {
		t.Fatal(err)
	}
	if _, err := r2.Read(b2); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b1, b2) {
		t.Error("identical entropy produced different output")
	}
	if bytes.Equal(b1[:32], make([]byte, 32)) {
		t.Error("output is all zero")
	}
}

func TestSecurityErrorAggregation(t *testing.T) {
	a := newTestSource("a", constWords(1), 0)
	b := newTestSource("b", constWords(2), 0)
	rng := newTestTRNG(t, Config{Sources: []Source{a, b}})

	if rng.Status().SecurityError {
		t.Fatal("security error on healthy sources")
	}
	if err := rng.HealthCheck(); err != nil {
		t.Fatal(err)
	}

	b.healthyFlag = false
	st := rng.Status()
	if !st.SecurityError {
		t.Error("failing source not aggregated into SecurityError")
	}
	if err := rng.HealthCheck(); err == nil {
		t.Error("HealthCheck missed the failing source")
	}
	for _, ss := range st.Sources {
		if ss.ID == "b" && ss.Healthy {
			t.Error("per-source health not forwarded")
		}
	}
}

func TestPseudoSourceRequiresOptIn(t *testing.T) {
	var seed [32]byte
	_, err := New(Config{Sources: []Source{NewPseudoSource("p", seed)}})
	if err == nil {
		t.Fatal("pseudo source accepted without AllowPseudoSource")
	}
}

func TestConfigValidation(t *testing.T) {
	src := newTestSource("s", constWords(1), 0)

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", Config{Sources: []Source{src}}, false},
		{"no sources", Config{}, true},
		{"nil source", Config{Sources: []Source{nil}}, true},
		{"rounds too low", Config{Sources: []Source{src}, NumRounds: 7}, true},
		{"rounds too high", Config{Sources: []Source{src}, NumRounds: 32}, true},
		{"rounds in range", Config{Sources: []Source{src}, NumRounds: 8}, false},
		{"negative slots", Config{Sources: []Source{src}, BufferSlots: -1}, true},
		{"blake2b", Config{Sources: []Source{src}, Hash: HashBLAKE2b512}, false},
		{"bad hash", Config{Sources: []Source{src}, Hash: MixerHash(9)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCloseScrubsAndRejects(t *testing.T) {
	src := newTestSource("s", constWords(1), 0)
	rng := newTestTRNG(t, Config{Sources: []Source{src}})
	stepUntil(t, rng, 1<<14, "output valid", func() bool { return rng.buf.valid() })

	if err := rng.Close(); err != nil {
		t.Fatal(err)
	}
	if err := rng.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	if _, ok := rng.ReadWord(); ok {
		t.Error("ReadWord succeeded after Close")
	}
	if _, err := rng.Read(make([]byte, 4)); err != ErrClosed {
		t.Errorf("Read after Close = %v, want ErrClosed", err)
	}
	for _, b := range rng.cs.key {
		if b != 0 {
			t.Fatal("key material survived Close")
		}
	}
}

func TestStatusIdentification(t *testing.T) {
	src := newTestSource("s", constWords(1), 0)
	rng := newTestTRNG(t, Config{Sources: []Source{src}})

	st := rng.Status()
	if st.Name != "trng" || st.Version != "0.01" {
		t.Errorf("identification = %q/%q, want trng/0.01", st.Name, st.Version)
	}
	if CoreName1 != "    " {
		t.Errorf("CoreName1 = %q, want four spaces", CoreName1)
	}
}
