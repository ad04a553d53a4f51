// Package metrics exposes MicroDNS's Prometheus instrumentation: DNS query
// counters for the authoritative and recursing listeners, DHCP message
// counters, store-level gauges (zones, active leases), federation
// and replication gauges, and the host-level stats collector.
package metrics

import (
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
)

// LatencyStat holds the total latency and count for a domain.
type LatencyStat struct {
	TotalLatency time.Duration
	Count        int64
}

// Metrics holds the collected metrics.
type Metrics struct {
	sync.RWMutex
	totalQueries      int64
	startTime         time.Time
	topNXDomains      sync.Map // map[string]int64
	topLatencyDomains sync.Map // map[string]LatencyStat
}

var (
	instance *Metrics
	once     sync.Once

	promQPS = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "microdns_dns_qps",
		Help: "DNS queries per second across both listeners",
	})
	promTotalQueries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "microdns_dns_queries_total",
		Help: "Total number of DNS queries served",
	})
	promQueryTypes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "microdns_dns_query_types_total",
		Help: "Total number of DNS queries by type",
	}, []string{"type"})
	promResponseCodes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "microdns_dns_response_codes_total",
		Help: "Total number of DNS responses by code",
	}, []string{"code"})
	promCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "microdns_recursor_cache_hits_total",
		Help: "Total number of recursor cache hits",
	})
	promCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "microdns_recursor_cache_misses_total",
		Help: "Total number of recursor cache misses",
	})
	promCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "microdns_recursor_cache_entries",
		Help: "Current number of entries in the recursor cache",
	})
	promZones = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "microdns_zones",
		Help: "Number of zones in the store",
	})
	promActiveLeases = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "microdns_dhcp_active_leases",
		Help: "Number of active DHCP leases",
	})
	promDHCPMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "microdns_dhcp_messages_total",
		Help: "Total number of DHCP messages by message type",
	}, []string{"type"})
	promLeasesPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "microdns_dhcp_leases_purged_total",
		Help: "Total number of leases removed by the retention purge",
	})
	promHealthProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "microdns_lb_probes_total",
		Help: "Total number of LB health probes by result",
	}, []string{"result"})
	promFailsafeEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "microdns_lb_failsafe_events_total",
		Help: "Total number of LB group-failsafe activations",
	})
	promHeartbeatInstances = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "microdns_federation_instances",
		Help: "Number of instances known to the heartbeat tracker",
	})
	promReplicationPulls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "microdns_replication_pulls_total",
		Help: "Total number of replication zone pulls by result",
	}, []string{"result"})
	promReplicationLag = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "microdns_replication_lag_seconds",
		Help: "Seconds since the last successful sync, per peer",
	}, []string{"peer"})
	promCPUUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "microdns_cpu_usage_percent",
		Help: "Current CPU usage percentage",
	})
	promMemoryUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "microdns_memory_usage_percent",
		Help: "Current memory usage percentage",
	})
	promGoroutineCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "microdns_goroutine_count",
		Help: "Current number of goroutines",
	})
	promNetworkSent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "microdns_network_sent_bytes",
		Help: "Total network bytes sent",
	})
	promNetworkRecv = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "microdns_network_recv_bytes",
		Help: "Total network bytes received",
	})
	promTopNXDomains = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "microdns_top_nx_domains",
		Help: "Top domains with NXDOMAIN responses",
	}, []string{"domain"})
	promTopLatencyDomains = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "microdns_top_latency_domains_ms",
		Help: "Top domains by average query latency in milliseconds",
	}, []string{"domain"})
)

// NewMetrics returns the singleton instance of Metrics.
func NewMetrics() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			startTime: time.Now(),
		}
		go instance.qpsCalculator()
		go instance.systemMetricsCollector()
		go instance.topDomainsProcessor()
	})
	return instance
}

// Uptime returns the time elapsed since the process registered metrics.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// IncrementQueries increments the total number of DNS queries.
func (m *Metrics) IncrementQueries() {
	m.Lock()
	defer m.Unlock()
	m.totalQueries++
	promTotalQueries.Inc()
}

// qpsCalculator calculates the QPS every second.
func (m *Metrics) qpsCalculator() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var lastQueryCount int64
	for range ticker.C {
		m.Lock()
		currentQueries := m.totalQueries
		qps := float64(currentQueries - lastQueryCount)
		lastQueryCount = currentQueries
		m.Unlock()
		promQPS.Set(qps)
	}
}

// systemMetricsCollector gathers system metrics periodically.
func (m *Metrics) systemMetricsCollector() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		cpuPercentages, err := cpu.Percent(0, false)
		if err == nil && len(cpuPercentages) > 0 {
			promCPUUsage.Set(cpuPercentages[0])
		}

		memInfo, err := mem.VirtualMemory()
		if err == nil {
			promMemoryUsage.Set(memInfo.UsedPercent)
		}

		promGoroutineCount.Set(float64(runtime.NumGoroutine()))

		netIO, err := net.IOCounters(false)
		if err == nil && len(netIO) > 0 {
			promNetworkSent.Set(float64(netIO[0].BytesSent))
			promNetworkRecv.Set(float64(netIO[0].BytesRecv))
		}

		if err != nil {
			log.Printf("Error collecting system metrics: %v", err)
		}
	}
}

// RecordNXDOMAIN records an NXDOMAIN response for a given domain.
func (m *Metrics) RecordNXDOMAIN(domain string) {
	val, _ := m.topNXDomains.LoadOrStore(domain, int64(0))
	m.topNXDomains.Store(domain, val.(int64)+1)
}

// RecordLatency records the query latency for a given domain.
func (m *Metrics) RecordLatency(domain string, latency time.Duration) {
	val, _ := m.topLatencyDomains.LoadOrStore(domain, LatencyStat{})
	stat := val.(LatencyStat)
	stat.TotalLatency += latency
	stat.Count++
	m.topLatencyDomains.Store(domain, stat)
}

// topDomainsProcessor periodically processes the domain maps to generate top lists.
func (m *Metrics) topDomainsProcessor() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.processTopNXDomains()
		m.processTopLatencyDomains()
	}
}

func (m *Metrics) processTopNXDomains() {
	var domains []struct {
		Domain string
		Count  int64
	}
	m.topNXDomains.Range(func(key, value interface{}) bool {
		domains = append(domains, struct {
			Domain string
			Count  int64
		}{key.(string), value.(int64)})
		return true
	})

	// Sort and get top 10
	for i := 0; i < len(domains); i++ {
		for j := i + 1; j < len(domains); j++ {
			if domains[i].Count < domains[j].Count {
				domains[i], domains[j] = domains[j], domains[i]
			}
		}
	}
	if len(domains) > 10 {
		domains = domains[:10]
	}

	promTopNXDomains.Reset()
	for _, d := range domains {
		promTopNXDomains.WithLabelValues(d.Domain).Set(float64(d.Count))
	}
}

func (m *Metrics) processTopLatencyDomains() {
	var domains []struct {
		Domain     string
		AvgLatency float64
	}
	m.topLatencyDomains.Range(func(key, value interface{}) bool {
		stat := value.(LatencyStat)
		if stat.Count > 0 {
			avgLatency := stat.TotalLatency.Seconds() * 1000 / float64(stat.Count) // avg in ms
			domains = append(domains, struct {
				Domain     string
				AvgLatency float64
			}{key.(string), avgLatency})
		}
		return true
	})

	for i := 0; i < len(domains); i++ {
		for j := i + 1; j < len(domains); j++ {
			if domains[i].AvgLatency < domains[j].AvgLatency {
				domains[i], domains[j] = domains[j], domains[i]
			}
		}
	}
	if len(domains) > 10 {
		domains = domains[:10]
	}

	promTopLatencyDomains.Reset()
	for _, d := range domains {
		promTopLatencyDomains.WithLabelValues(d.Domain).Set(d.AvgLatency)
	}
}

// RecordQueryType records the type of a DNS query.
func (m *Metrics) RecordQueryType(qtype string) {
	promQueryTypes.WithLabelValues(qtype).Inc()
}

// RecordResponseCode records the response code of a DNS query.
func (m *Metrics) RecordResponseCode(rcode string) {
	promResponseCodes.WithLabelValues(rcode).Inc()
}

// IncrementCacheHits increments the recursor cache hit counter.
func (m *Metrics) IncrementCacheHits() {
	promCacheHits.Inc()
}

// IncrementCacheMisses increments the recursor cache miss counter.
func (m *Metrics) IncrementCacheMisses() {
	promCacheMisses.Inc()
}

// SetCacheSize reports the current recursor cache entry count.
func (m *Metrics) SetCacheSize(n int) {
	promCacheSize.Set(float64(n))
}

// SetZoneCount reports the number of zones in the store.
func (m *Metrics) SetZoneCount(n int) {
	promZones.Set(float64(n))
}

// SetActiveLeases reports the number of active DHCP leases.
func (m *Metrics) SetActiveLeases(n int) {
	promActiveLeases.Set(float64(n))
}

// RecordDHCPMessage counts one inbound or outbound DHCP message by type.
func (m *Metrics) RecordDHCPMessage(mtype string) {
	promDHCPMessages.WithLabelValues(mtype).Inc()
}

// AddLeasesPurged counts leases removed by the retention purge.
func (m *Metrics) AddLeasesPurged(n int) {
	promLeasesPurged.Add(float64(n))
}

// RecordProbeResult counts one LB health probe ("healthy" or "unhealthy").
func (m *Metrics) RecordProbeResult(result string) {
	promHealthProbes.WithLabelValues(result).Inc()
}

// IncrementFailsafeEvents counts one LB group-failsafe activation.
func (m *Metrics) IncrementFailsafeEvents() {
	promFailsafeEvents.Inc()
}

// SetHeartbeatInstances reports the heartbeat tracker's instance count.
func (m *Metrics) SetHeartbeatInstances(n int) {
	promHeartbeatInstances.Set(float64(n))
}

// RecordReplicationPull counts one zone pull ("applied", "skipped" or "failed").
func (m *Metrics) RecordReplicationPull(result string) {
	promReplicationPulls.WithLabelValues(result).Inc()
}

// SetReplicationLag reports the seconds since the last successful sync from peer.
func (m *Metrics) SetReplicationLag(peer string, seconds float64) {
	promReplicationLag.WithLabelValues(peer).Set(seconds)
}
