package trng

import (
	"encoding/binary"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/opd-ai/go-trng/internal/chacha"
)

type csprngState uint8

const (
	csIdle csprngState = iota
	csSeed0
	csAwait1
	csSeed1
	csInitBlock
	csInitWait
	csGen
	csGenWait
	csMore
	csCancel
)

func (s csprngState) String() string {
	switch s {
	case csIdle:
		return "IDLE"
	case csSeed0:
		return "SEED0"
	case csAwait1:
		return "AWAIT1"
	case csSeed1:
		return "SEED1"
	case csInitBlock:
		return "INIT_BLOCK"
	case csInitWait:
		return "INIT_WAIT"
	case csGen:
		return "GEN"
	case csGenWait:
		return "GEN_WAIT"
	case csMore:
		return "MORE"
	case csCancel:
		return "CANCEL"
	default:
		return fmt.Sprintf("csprngState(%d)", uint8(s))
	}
}

// Layout of the second seed fragment. The top 16 bytes are deliberately
// discarded; the cipher state must not be widened to use them.
const (
	seedKeyOff = 0
	seedKeyLen = 32
	seedIVOff  = 32
	seedIVLen  = 8
	seedCtrOff = 40
	seedCtrLen = 8
)

// csprng is the seeded keystream expander. It consumes seed fragment
// pairs from the mixer, initializes the ChaCha core from them, and
// generates 512-bit keystream blocks into the output buffer until the
// block budget forces a reseed.
//
// No keystream block leaves this state machine before a complete
// two-fragment seeding transaction has finished since the most recent
// reset or cancel.
type csprng struct {
	state     csprngState
	rounds    int
	threshold uint64

	// moreSeed is the level signal toward the mixer.
	moreSeed bool

	working [chacha.BlockSize]byte // data-in block, from fragment 1
	key     [seedKeyLen]byte
	iv      [seedIVLen]byte
	ctr     uint64
	cipher  *chacha.Cipher

	budget uint64 // keystream blocks generated this epoch
	seeded bool   // a full two-fragment transaction has completed

	out [chacha.BlockSize]byte // scratch for the last keystream block

	log hclog.Logger
}

func newCSPRNG(rounds int, threshold uint64, log hclog.Logger) *csprng {
	return &csprng{rounds: rounds, threshold: threshold, log: log}
}

// ready reports whether the expander holds a valid, seeded cipher.
func (c *csprng) ready() bool {
	return c.seeded
}

// stepEvents reports what happened during one tick, for metrics.
type stepEvents struct {
	generated bool
	reseeded  bool
	discarded bool
}

// step advances the state machine one tick.
func (c *csprng) step(m *mixer, buf *outputBuffer, enable bool) stepEvents {
	var ev stepEvents

	if !enable && c.state != csCancel && (c.state != csIdle || c.seeded) {
		c.state = csCancel
	}

	switch c.state {
	case csIdle:
		if enable && buf.needsMore() {
			c.moreSeed = true
			c.state = csSeed0
		}

	case csSeed0:
		if m.takeFragment(&c.working) {
			c.state = csAwait1
		}

	case csAwait1:
		c.moreSeed = true
		c.state = csSeed1

	case csSeed1:
		var frag [seedFragmentBytes]byte
		if m.takeFragment(&frag) {
			copy(c.key[:], frag[seedKeyOff:seedKeyOff+seedKeyLen])
			copy(c.iv[:], frag[seedIVOff:seedIVOff+seedIVLen])
			c.ctr = binary.LittleEndian.Uint64(frag[seedCtrOff : seedCtrOff+seedCtrLen])
			zeroBytes(frag[:])
			c.moreSeed = false
			c.state = csInitBlock
		}

	case csInitBlock:
		if c.cipher != nil {
			c.cipher.Zeroize()
		}
		cipher, err := chacha.New(c.key[:], c.iv[:], c.ctr, c.rounds)
		if err != nil {
			// Round count was validated at construction; unreachable.
			panic(err)
		}
		c.cipher = cipher
		c.budget = 0
		c.state = csInitWait

	case csInitWait:
		c.seeded = true
		ev.reseeded = true
		c.log.Info("csprng seeded", "rounds", c.rounds, "threshold", c.threshold)
		c.state = csGen

	case csGen:
		c.state = csGenWait

	case csGenWait:
		c.cipher.Next(&c.working, &c.out)
		var block [blockWords]uint32
		for i := 0; i < blockWords; i++ {
			block[i] = leWord(c.out[4*i:])
		}
		buf.push(&block)
		zeroWords(block[:])
		zeroBytes(c.out[:])
		c.budget++
		ev.generated = true
		c.state = csMore

	case csMore:
		switch {
		case c.budget >= c.threshold:
			c.moreSeed = true
			c.state = csSeed0
		case buf.needsMore():
			c.state = csGen
		default:
			c.state = csIdle
		}

	case csCancel:
		c.scrub()
		buf.discard()
		ev.discarded = true
		c.state = csIdle
	}

	return ev
}

// cancel requests a transition to CANCEL at the next tick.
func (c *csprng) cancel() {
	c.state = csCancel
}

// scrub zeroizes all key material and expansion state.
func (c *csprng) scrub() {
	zeroBytes(c.key[:])
	zeroBytes(c.iv[:])
	zeroBytes(c.working[:])
	zeroBytes(c.out[:])
	c.ctr = 0
	c.budget = 0
	c.seeded = false
	c.moreSeed = false
	if c.cipher != nil {
		c.cipher.Zeroize()
		c.cipher = nil
	}
}
