package trng

import (
	"crypto/sha512"
	"fmt"
	"hash"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/crypto/blake2b"
)

// Mix block geometry: 32 slots of 32 bits, 1024 bits per absorption.
const (
	mixBlockWords = 32
	mixBlockBytes = mixBlockWords * 4
)

// seedFragmentBytes is the width of one emitted seed fragment.
const seedFragmentBytes = 64

// mixBlock is the accumulation buffer between the reader and the hash
// chain. Slots fill strictly in ascending index.
type mixBlock struct {
	words [mixBlockWords]uint32
	next  int
}

func (b *mixBlock) full() bool {
	return b.next == mixBlockWords
}

// put stores w in the next slot. The caller checks full() first.
func (b *mixBlock) put(w uint32) {
	b.words[b.next] = w
	b.next++
}

// reset scrubs the block. Used both after absorption and on cancel.
func (b *mixBlock) reset() {
	zeroWords(b.words[:])
	b.next = 0
}

// bytes serializes the block for absorption, each slot big-endian in
// slot order.
func (b *mixBlock) bytes() []byte {
	var out [mixBlockBytes]byte
	for i, w := range b.words {
		putBEWord(out[4*i:], w)
	}
	return out[:]
}

type mixerState uint8

const (
	mixerIdle mixerState = iota
	mixerCollect
	mixerAbsorb
	mixerEmit
	mixerCancel
)

func (s mixerState) String() string {
	switch s {
	case mixerIdle:
		return "IDLE"
	case mixerCollect:
		return "COLLECT"
	case mixerAbsorb:
		return "ABSORB"
	case mixerEmit:
		return "EMIT"
	case mixerCancel:
		return "CANCEL"
	default:
		return fmt.Sprintf("mixerState(%d)", uint8(s))
	}
}

// mixer accumulates entropy words into 1024-bit blocks and folds each
// full block into a persistent hash chain. Every absorption yields one
// 512-bit intermediate digest, emitted as a seed fragment.
//
// The chain is initialized exactly once per pipeline lifetime (or on an
// explicit operator restart) and is never finalized: successive
// fragments are digests over the cumulative message so far, so each
// seed depends on all entropy ever absorbed, not just the last block.
type mixer struct {
	state mixerState
	alg   MixerHash
	chain hash.Hash
	block mixBlock

	frag      [seedFragmentBytes]byte
	fragValid bool

	absorbed uint64 // blocks folded into the chain since init/restart

	log hclog.Logger
}

func newMixer(alg MixerHash, log hclog.Logger) *mixer {
	m := &mixer{alg: alg, log: log}
	m.initChain()
	return m
}

func (m *mixer) initChain() {
	switch m.alg {
	case HashBLAKE2b512:
		h, err := blake2b.New512(nil)
		if err != nil {
			// Unkeyed BLAKE2b cannot fail.
			panic(err)
		}
		m.chain = h
	default:
		m.chain = sha512.New()
	}
	m.absorbed = 0
}

// collecting reports whether the reader should be feeding the mixer's
// block buffer this tick.
func (m *mixer) collecting() bool {
	return m.state == mixerCollect && !m.block.full()
}

// takeFragment hands the pending seed fragment to the CSPRNG and clears
// the emit handshake. It reports false when no fragment is pending.
func (m *mixer) takeFragment(dst *[seedFragmentBytes]byte) bool {
	if !m.fragValid {
		return false
	}
	*dst = m.frag
	zeroBytes(m.frag[:])
	m.fragValid = false
	return true
}

// step advances the state machine one tick. moreSeed is the level
// signal from the CSPRNG requesting fragments.
func (m *mixer) step(moreSeed bool) {
	switch m.state {
	case mixerIdle:
		if moreSeed {
			m.state = mixerCollect
		}

	case mixerCollect:
		if m.block.full() {
			m.state = mixerAbsorb
		}

	case mixerAbsorb:
		m.chain.Write(m.block.bytes())
		m.block.reset()
		m.absorbed++
		// Snapshot the running digest without finalizing the chain.
		sum := m.chain.Sum(nil)
		copy(m.frag[:], sum)
		zeroBytes(sum)
		m.fragValid = true
		m.state = mixerEmit
		m.log.Debug("mixer emitted seed fragment", "absorbed", m.absorbed)

	case mixerEmit:
		if !m.fragValid {
			// Downstream took the fragment.
			if moreSeed {
				m.state = mixerCollect
			} else {
				m.state = mixerIdle
			}
		}

	case mixerCancel:
		// Scrub the in-flight block and any unclaimed fragment; the
		// hash chain itself survives the cancel.
		m.block.reset()
		zeroBytes(m.frag[:])
		m.fragValid = false
		m.state = mixerIdle
	}
}

// cancel requests a transition to CANCEL at the next tick.
func (m *mixer) cancel() {
	m.state = mixerCancel
}

// restart reinitializes the hash chain. Only an explicit operator
// restart does this; discard never touches the chain.
func (m *mixer) restart() {
	m.cancel()
	m.initChain()
	m.log.Info("mixer hash chain restarted", "hash", m.alg.String())
}
