package trng

import (
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"
)

// AsyncSource adapts a blocking word producer (typically a physical
// device driver) to the non-blocking Source interface. A pump goroutine
// reads 32-bit words from the driver and delivers them through a bounded
// channel; the reader side never blocks.
//
// Driver errors are retried with exponential backoff. A driver returning
// io.EOF stops the pump permanently; once the words already queued have
// been consumed, the source reports Enabled() false.
type AsyncSource struct {
	id      string
	words   chan uint32
	pending uint32
	hasWord bool
	stopped atomic.Bool
	healthy atomic.Bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// WordReader is the driver side of an AsyncSource: one blocking read of
// the next raw 32-bit word.
type WordReader interface {
	ReadWord() (uint32, error)
}

// NewAsyncSource starts a pump goroutine over driver. depth bounds the
// delivery channel; values below 1 are raised to 1. The source must be
// stopped with Stop when the driver is torn down.
func NewAsyncSource(id string, driver WordReader, depth int) *AsyncSource {
	if depth < 1 {
		depth = 1
	}
	s := &AsyncSource{
		id:    id,
		words: make(chan uint32, depth),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	s.healthy.Store(true)
	go s.pump(driver)
	return s
}

// NewReaderSource wraps an io.Reader (e.g. a character device) as an
// AsyncSource, consuming it 4 bytes at a time, little-endian.
func NewReaderSource(id string, r io.Reader, depth int) *AsyncSource {
	return NewAsyncSource(id, readerDriver{r}, depth)
}

type readerDriver struct {
	r io.Reader
}

func (d readerDriver) ReadWord() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(d.r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (s *AsyncSource) pump(driver WordReader) {
	defer close(s.done)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry until stopped

	for {
		w, err := backoff.RetryWithData(func() (uint32, error) {
			select {
			case <-s.stop:
				return 0, backoff.Permanent(io.EOF)
			default:
			}
			w, err := driver.ReadWord()
			if err == io.EOF {
				return 0, backoff.Permanent(err)
			}
			return w, err
		}, bo)
		if err != nil {
			s.stopped.Store(true)
			return
		}
		bo.Reset()

		select {
		case s.words <- w:
		case <-s.stop:
			s.stopped.Store(true)
			return
		}
	}
}

// Stop terminates the pump goroutine and waits for it to exit.
func (s *AsyncSource) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	s.stopped.Store(true)
}

// SetHealthy records the verdict of the driver's online noise tests.
func (s *AsyncSource) SetHealthy(ok bool) {
	s.healthy.Store(ok)
}

// ID implements Source.
func (s *AsyncSource) ID() string { return s.id }

// Enabled implements Source. The source self-disables once the pump has
// stopped and its channel has drained.
func (s *AsyncSource) Enabled() bool {
	if s.hasWord || len(s.words) > 0 {
		return true
	}
	return !s.stopped.Load()
}

// Ready implements Source. A delivered word stays pending until Ack.
func (s *AsyncSource) Ready() bool {
	if s.hasWord {
		return true
	}
	select {
	case w := <-s.words:
		s.pending = w
		s.hasWord = true
		return true
	default:
		return false
	}
}

// Word implements Source.
func (s *AsyncSource) Word() uint32 { return s.pending }

// Ack implements Source.
func (s *AsyncSource) Ack() {
	s.hasWord = false
	s.pending = 0
}

// Healthy implements HealthReporter.
func (s *AsyncSource) Healthy() bool { return s.healthy.Load() }
