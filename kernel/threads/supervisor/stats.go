package supervisor

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nmxmxh/ledgersim/internal/diag"
)

const namespace = "ledgersim"

// Stats mirrors the latest snapshot into Prometheus gauges. The registry
// is private to one run and written out as a text file at the end.
type Stats struct {
	registry *prometheus.Registry

	blocks      prometheus.Gauge
	capacity    prometheus.Gauge
	usersAlive  prometheus.Gauge
	earlyDeaths prometheus.Gauge
	queued      prometheus.Gauge
	elapsed     prometheus.Gauge

	userBalance     *prometheus.GaugeVec
	userFailed      *prometheus.GaugeVec
	nodeBlocks      *prometheus.GaugeVec
	nodeReward      *prometheus.GaugeVec
	nodeUnprocessed *prometheus.GaugeVec
	mailboxDepth    *prometheus.GaugeVec
	mailboxMax      *prometheus.GaugeVec
	mailboxDropped  *prometheus.GaugeVec
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
}

func gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, labels)
}

func NewStats() *Stats {
	s := &Stats{
		registry:    prometheus.NewRegistry(),
		blocks:      gauge("blocks_committed", "Blocks appended to the ledger."),
		capacity:    gauge("registry_capacity", "Maximum number of blocks."),
		usersAlive:  gauge("users_alive", "Users still trading."),
		earlyDeaths: gauge("early_deaths", "Agents that exited before termination began."),
		queued:      gauge("mailbox_queued", "Transactions waiting in all mailboxes."),
		elapsed:     gauge("elapsed_seconds", "Time since bootstrap."),

		userBalance:     gaugeVec("user_balance", "Last published user balance.", "pid"),
		userFailed:      gaugeVec("user_failed_attempts", "Failed attempts of a user.", "pid"),
		nodeBlocks:      gaugeVec("node_blocks", "Blocks appended by a node.", "pid"),
		nodeReward:      gaugeVec("node_reward", "Rewards earned by a node.", "pid"),
		nodeUnprocessed: gaugeVec("node_unprocessed", "Transactions a node left behind.", "pid"),
		mailboxDepth:    gaugeVec("mailbox_depth", "Current mailbox depth.", "slot"),
		mailboxMax:      gaugeVec("mailbox_max_depth", "Highest mailbox depth seen.", "slot"),
		mailboxDropped:  gaugeVec("mailbox_dropped", "Sends refused by a full mailbox.", "slot"),
	}
	s.registry.MustRegister(
		s.blocks, s.capacity, s.usersAlive, s.earlyDeaths, s.queued, s.elapsed,
		s.userBalance, s.userFailed,
		s.nodeBlocks, s.nodeReward, s.nodeUnprocessed,
		s.mailboxDepth, s.mailboxMax, s.mailboxDropped,
	)
	return s
}

// Gatherer exposes the registry for dumping.
func (s *Stats) Gatherer() prometheus.Gatherer {
	return s.registry
}

// Observe records snap.
func (s *Stats) Observe(snap diag.Snapshot) {
	s.blocks.Set(float64(snap.Blocks))
	s.capacity.Set(float64(snap.Capacity))
	s.usersAlive.Set(float64(snap.AliveUsers()))
	s.earlyDeaths.Set(float64(snap.EarlyDeaths))
	s.queued.Set(float64(snap.Queued()))
	s.elapsed.Set(snap.Elapsed.Seconds())

	for _, u := range snap.Users {
		if u.Pid == 0 {
			continue
		}
		pid := strconv.Itoa(int(u.Pid))
		s.userBalance.WithLabelValues(pid).Set(float64(u.Budget))
		s.userFailed.WithLabelValues(pid).Set(float64(u.Failed))
	}
	for _, n := range snap.Nodes {
		if n.Pid == 0 {
			continue
		}
		pid := strconv.Itoa(int(n.Pid))
		s.nodeBlocks.WithLabelValues(pid).Set(float64(n.Blocks))
		s.nodeReward.WithLabelValues(pid).Set(float64(n.Reward))
		s.nodeUnprocessed.WithLabelValues(pid).Set(float64(n.Unprocessed))
	}
	for slot, mb := range snap.Mailboxes {
		label := strconv.Itoa(slot)
		s.mailboxDepth.WithLabelValues(label).Set(float64(mb.QueueDepth))
		s.mailboxMax.WithLabelValues(label).Set(float64(mb.MaxDepth))
		s.mailboxDropped.WithLabelValues(label).Set(float64(mb.Dropped))
	}
}
