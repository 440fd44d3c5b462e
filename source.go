package trng

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Source is the uniform pull interface over one entropy producer.
//
// The contract mirrors a hardware syn/ack handshake: when Ready reports
// true, Word must return a valid 32-bit value and keep returning the
// same value until Ack is called. After Ack the producer may lower Ready
// and present its next word whenever it has one. Implementations must
// never block in any of these methods; the reader treats Ready()==false
// as "no word available this tick" and moves on.
type Source interface {
	// ID identifies the source in status reports and metrics.
	ID() string

	// Enabled reports the producer's self-reported readiness. A source
	// that is warming up or has shut itself down reports false.
	Enabled() bool

	// Ready reports whether a word is currently available.
	Ready() bool

	// Word returns the pending word. Only valid while Ready is true.
	Word() uint32

	// Ack tells the producer its pending word has been consumed.
	Ack()
}

// HealthReporter is optionally implemented by sources that run online
// quality tests over their raw noise. A source reporting false
// contributes to the TRNG-wide security error flag.
type HealthReporter interface {
	Healthy() bool
}

// ErrUnknownSource is returned when a source ID does not match any
// registered source.
var ErrUnknownSource = errors.New("trng: unknown source")

// sourceHandle pairs a Source with its operator enable bit. A source
// participates in mixing only when both the operator bit and the
// producer's own Enabled flag are set.
type sourceHandle struct {
	src     Source
	enabled bool // operator-set
}

// usable reports whether the reader may sample this source right now.
func (h *sourceHandle) usable() bool {
	return h.enabled && h.src.Enabled() && h.src.Ready()
}

// healthy reports the source's self-test verdict. Sources that do not
// implement HealthReporter are considered healthy.
func (h *sourceHandle) healthy() bool {
	if hr, ok := h.src.(HealthReporter); ok {
		return hr.Healthy()
	}
	return true
}

// healthSweep aggregates the health verdicts of all handles into a
// single error, one entry per failing source.
func healthSweep(handles []*sourceHandle) error {
	var merr *multierror.Error
	for _, h := range handles {
		if !h.healthy() {
			merr = multierror.Append(merr,
				fmt.Errorf("trng: source %q failed online tests", h.src.ID()))
		}
	}
	return merr.ErrorOrNil()
}
