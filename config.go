package trng

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/opd-ai/go-trng/internal/chacha"
)

// MixerHash selects the hash function used by the entropy mixer chain.
type MixerHash int

const (
	// HashSHA512 uses SHA-512. This is the default and matches the
	// classic hardware TRNG construction.
	HashSHA512 MixerHash = iota

	// HashBLAKE2b512 uses BLAKE2b-512. Same digest width, considerably
	// faster in software.
	HashBLAKE2b512
)

// String returns the string representation of the hash selection.
func (h MixerHash) String() string {
	switch h {
	case HashSHA512:
		return "SHA-512"
	case HashBLAKE2b512:
		return "BLAKE2b-512"
	default:
		return fmt.Sprintf("MixerHash(%d)", int(h))
	}
}

const (
	// DefaultNumBlocks is the default reseed threshold in 512-bit
	// keystream blocks per seeding epoch.
	DefaultNumBlocks uint64 = 1 << 60

	// MaxNumBlocks is the hard cap on the reseed threshold. It applies
	// no matter what the configuration asks for.
	MaxNumBlocks uint64 = 1 << 60
)

// DefaultBufferSlots is the default depth of the output buffer in
// 512-bit slots.
const DefaultBufferSlots = 4

// Config specifies the configuration for a TRNG pipeline.
type Config struct {
	// Sources are the entropy producers sampled by the round-robin
	// reader, in scan order. At least one source is required;
	// AllowPseudoSource only permits a PseudoSource among them.
	Sources []Source

	// NumRounds is the ChaCha round count per keystream block.
	// Zero selects the default (24). Minimum 8, maximum 31.
	NumRounds int

	// NumBlocks is the reseed threshold in 512-bit keystream blocks.
	// Zero selects the default. Values above the hard cap of 2^60 are
	// clamped to it.
	NumBlocks uint64

	// BufferSlots is the output buffer depth in 512-bit slots.
	// Zero selects the default (4).
	BufferSlots int

	// Hash selects the mixer hash function.
	Hash MixerHash

	// AllowPseudoSource permits registering the deterministic test-only
	// pseudo source. Production configurations must leave this false.
	AllowPseudoSource bool

	// Logger receives pipeline events. Nil disables logging.
	Logger hclog.Logger

	// MetricsRegisterer, when non-nil, gets the pipeline's Prometheus
	// collectors registered on it.
	MetricsRegisterer prometheus.Registerer
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if len(c.Sources) == 0 {
		return errors.New("trng: at least one entropy source is required")
	}

	if c.NumRounds != 0 && (c.NumRounds < chacha.MinRounds || c.NumRounds > chacha.MaxRounds) {
		return fmt.Errorf("trng: num rounds %d outside [%d, %d]",
			c.NumRounds, chacha.MinRounds, chacha.MaxRounds)
	}

	if c.BufferSlots < 0 {
		return fmt.Errorf("trng: negative buffer slots: %d", c.BufferSlots)
	}

	if c.Hash != HashSHA512 && c.Hash != HashBLAKE2b512 {
		return fmt.Errorf("trng: invalid mixer hash: %v", c.Hash)
	}

	for _, s := range c.Sources {
		if s == nil {
			return errors.New("trng: nil entropy source")
		}
		if _, ok := s.(*PseudoSource); ok && !c.AllowPseudoSource {
			return errors.New("trng: pseudo source registered without AllowPseudoSource")
		}
	}

	return nil
}

// rounds returns the effective round count.
func (c *Config) rounds() int {
	if c.NumRounds == 0 {
		return chacha.DefaultRounds
	}
	return c.NumRounds
}

// blocks returns the effective reseed threshold, clamped to the hard cap.
func (c *Config) blocks() uint64 {
	n := c.NumBlocks
	if n == 0 {
		n = DefaultNumBlocks
	}
	if n > MaxNumBlocks {
		n = MaxNumBlocks
	}
	return n
}

// bufferSlots returns the effective output buffer depth.
func (c *Config) bufferSlots() int {
	if c.BufferSlots == 0 {
		return DefaultBufferSlots
	}
	return c.BufferSlots
}

// logger returns the effective logger.
func (c *Config) logger() hclog.Logger {
	if c.Logger == nil {
		return hclog.NewNullLogger()
	}
	return c.Logger
}
