package cache

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "dyncache"

type metrics struct {
	blocksOpened     prometheus.Counter
	blocksCleared    prometheus.Counter
	invalidations    prometheus.Counter
	currentBlockHits prometheus.Counter
	links            prometheus.Counter
	linkAnomalies    prometheus.Counter
	ringWraps        prometheus.Counter
	pagesClaimed     prometheus.Counter
	pagesReleased    prometheus.Counter
	pagesUsed        prometheus.Gauge
	freeRecords      prometheus.Gauge
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Namespace: metricsNamespace, Name: name, Help: help})
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: metricsNamespace, Name: name, Help: help})
}

// newMetrics builds the cache collectors and registers them on reg when it is
// set. A collector already registered by an earlier cache is reused.
func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		blocksOpened:     counter("blocks_opened_total", "Cache blocks handed to the translator."),
		blocksCleared:    counter("blocks_cleared_total", "Cache blocks torn down."),
		invalidations:    counter("invalidations_total", "Blocks cleared by writes to their guest bytes."),
		currentBlockHits: counter("current_block_hits_total", "Checked writes that destroyed the running block."),
		links:            counter("links_total", "Block-to-block edges resolved."),
		linkAnomalies:    counter("link_anomalies_total", "Blocks missing from the reverse chain of their edge target."),
		ringWraps:        counter("ring_wraps_total", "Times the allocator restarted at the first block."),
		pagesClaimed:     counter("pages_claimed_total", "Guest pages taken over by a code page handler."),
		pagesReleased:    counter("pages_released_total", "Code pages handed back to their previous handler."),
		pagesUsed:        gauge("pages_used", "Code pages currently claimed."),
		freeRecords:      gauge("free_block_records", "Block records on the free list."),
	}
	if reg == nil {
		return m, nil
	}

	for _, c := range []*prometheus.Counter{
		&m.blocksOpened, &m.blocksCleared, &m.invalidations, &m.currentBlockHits, &m.links,
		&m.linkAnomalies, &m.ringWraps, &m.pagesClaimed, &m.pagesReleased,
	} {
		if err := reg.Register(*c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, err
			}
			*c = are.ExistingCollector.(prometheus.Counter)
		}
	}
	for _, g := range []*prometheus.Gauge{&m.pagesUsed, &m.freeRecords} {
		if err := reg.Register(*g); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, err
			}
			*g = are.ExistingCollector.(prometheus.Gauge)
		}
	}
	return m, nil
}
