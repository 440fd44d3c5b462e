package trng

import (
	"github.com/opd-ai/go-trng/internal/chacha"
)

// PseudoSource is a deterministic, test-only entropy source backed by
// the ChaCha core. It stands in for the optional fourth "pseudo" noise
// channel of the hardware design and exists so the full pipeline can be
// exercised without physical noise hardware. Registering one requires
// Config.AllowPseudoSource; it must never be enabled in production.
type PseudoSource struct {
	id      string
	cipher  *chacha.Cipher
	buf     [chacha.BlockSize]byte
	pos     int
	pending uint32
	hasWord bool
}

// NewPseudoSource creates a pseudo source seeded from a 32-byte seed.
// Identical seeds yield identical word streams.
func NewPseudoSource(id string, seed [32]byte) *PseudoSource {
	var iv [8]byte
	cipher, err := chacha.New(seed[:], iv[:], 0, chacha.DefaultRounds)
	if err != nil {
		// Fixed-size inputs within range; cannot fail.
		panic(err)
	}
	s := &PseudoSource{id: id, cipher: cipher, pos: chacha.BlockSize}
	return s
}

// ID implements Source.
func (s *PseudoSource) ID() string { return s.id }

// Enabled implements Source.
func (s *PseudoSource) Enabled() bool { return true }

// Ready implements Source. A pseudo source always has a word pending.
func (s *PseudoSource) Ready() bool {
	if !s.hasWord {
		s.pending = s.nextWord()
		s.hasWord = true
	}
	return true
}

// Word implements Source.
func (s *PseudoSource) Word() uint32 { return s.pending }

// Ack implements Source.
func (s *PseudoSource) Ack() {
	s.hasWord = false
}

func (s *PseudoSource) nextWord() uint32 {
	if s.pos >= chacha.BlockSize {
		var zero [chacha.BlockSize]byte
		s.cipher.Next(&zero, &s.buf)
		s.pos = 0
	}
	w := leWord(s.buf[s.pos:])
	s.pos += 4
	return w
}
