package metrics

import (
	"time"

	"github.com/drover-io/drover/pkg/types"
)

// FleetSource provides the live fleet state the collector samples. The
// registry and health monitor together satisfy it via a small adapter in
// the server wiring.
type FleetSource interface {
	ConnectedAgentCount() int
	NodeStates() []*types.NodeState
}

// Collector periodically samples fleet gauges from the master's live state
type Collector struct {
	source FleetSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source FleetSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	SetConnectedAgents(c.source.ConnectedAgentCount())

	for _, state := range c.source.NodeStates() {
		SetNodeConnectivity(state.NodeName, ConnectivityCode(string(state.Status)))
	}
}
