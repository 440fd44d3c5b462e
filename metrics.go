package trng

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the pipeline's Prometheus collectors. A nil *metrics is
// valid and turns every observation into a no-op, so the hot path never
// branches on configuration.
type metrics struct {
	mixBlocks   prometheus.Counter
	reseeds     prometheus.Counter
	discards    prometheus.Counter
	blocks      prometheus.Counter
	words       prometheus.Counter
	stalls      prometheus.Counter
	sourceWords *prometheus.CounterVec
	budget      prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}

	m := &metrics{
		mixBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trng_mix_blocks_total",
			Help: "Entropy blocks absorbed by the mixer hash chain.",
		}),
		reseeds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trng_reseeds_total",
			Help: "Completed CSPRNG seeding transactions.",
		}),
		discards: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trng_discards_total",
			Help: "CSPRNG cancel transitions (discard, reseed, disable).",
		}),
		blocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trng_keystream_blocks_total",
			Help: "512-bit keystream blocks generated.",
		}),
		words: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trng_words_read_total",
			Help: "32-bit random words consumed.",
		}),
		stalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trng_reader_stalls_total",
			Help: "Reader ticks with no source presenting a word.",
		}),
		sourceWords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trng_source_words_total",
			Help: "Entropy words contributed, per source.",
		}, []string{"source"}),
		budget: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trng_block_budget",
			Help: "Keystream blocks generated in the current epoch.",
		}),
	}

	reg.MustRegister(m.mixBlocks, m.reseeds, m.discards, m.blocks,
		m.words, m.stalls, m.sourceWords, m.budget)

	return m
}

func (m *metrics) observeMixBlock() {
	if m != nil {
		m.mixBlocks.Inc()
	}
}

func (m *metrics) observeReseed() {
	if m != nil {
		m.reseeds.Inc()
	}
}

func (m *metrics) observeDiscard() {
	if m != nil {
		m.discards.Inc()
	}
}

func (m *metrics) observeBlock(budget uint64) {
	if m != nil {
		m.blocks.Inc()
		m.budget.Set(float64(budget))
	}
}

func (m *metrics) observeWord() {
	if m != nil {
		m.words.Inc()
	}
}

func (m *metrics) observeStall() {
	if m != nil {
		m.stalls.Inc()
	}
}

func (m *metrics) observeSourceWord(id string) {
	if m != nil {
		m.sourceWords.WithLabelValues(id).Inc()
	}
}
