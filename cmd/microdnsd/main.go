// microdnsd is the MicroDNS appliance binary: authoritative DNS, forwarding
// recursor, DHCPv4/v6, LB health loop, federation agents, zone replication
// and the REST/gRPC surface, wired over one shared store. Configuration is
// flag-based; the TOML loader is an external collaborator that fills the
// same config.Config shape.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"microdns/internal/api"
	"microdns/internal/authdns"
	"microdns/internal/cache"
	"microdns/internal/config"
	"microdns/internal/dhcp4"
	"microdns/internal/dhcp6"
	"microdns/internal/federation"
	"microdns/internal/lbmonitor"
	"microdns/internal/metrics"
	"microdns/internal/model"
	"microdns/internal/recursor"
	"microdns/internal/registrar"
	"microdns/internal/replication"
	"microdns/internal/rpc"
	"microdns/internal/store"
)

func main() {
	go func() {
		log.Println("Starting pprof server on :6060")
		if err := http.ListenAndServe("localhost:6060", nil); err != nil {
			log.Printf("pprof server failed: %v", err)
		}
	}()

	cfg := config.NewConfig()
	var (
		instanceID   = flag.String("instance-id", "microdns-1", "Federation instance id")
		mode         = flag.String("mode", cfg.Instance.Mode, "Role: standalone, leaf or coordinator")
		dbPath       = flag.String("db", cfg.Database.Path, "Embedded database path")
		authListen   = flag.String("auth-listen", cfg.Auth.Listen, "Authoritative DNS listen address")
		authEnabled  = flag.Bool("auth", cfg.Auth.Enabled, "Enable the authoritative DNS server")
		recListen    = flag.String("recursor-listen", cfg.Recursor.Listen, "Recursor listen address")
		recEnabled   = flag.Bool("recursor", cfg.Recursor.Enabled, "Enable the recursor")
		cacheSize    = flag.Int("cache-size", cfg.Recursor.CacheSize, "Recursor response-cache size")
		forwardZones = flag.String("forward-zones", "", "Forward table, \"zone=host:port;host:port,zone2=...\"")
		restListen   = flag.String("rest-listen", cfg.REST.Listen, "REST listen address")
		apiKey       = flag.String("api-key", "", "REST API key (empty disables auth)")
		grpcListen   = flag.String("grpc-listen", cfg.GRPC.Listen, "Peer RPC listen address")
		grpcEnabled  = flag.Bool("grpc", cfg.GRPC.Enabled, "Enable the peer RPC listener")
		lbEnabled    = flag.Bool("lb", cfg.LoadBalancer.Enabled, "Enable the LB health loop")
		lbInterval   = flag.Int("lb-interval-secs", cfg.LoadBalancer.CheckIntervalSecs, "LB check interval")

		dhcp4Enabled = flag.Bool("dhcp4", false, "Enable the DHCPv4 server")
		dhcp4Start   = flag.String("dhcp4-range-start", "", "DHCPv4 pool range start")
		dhcp4End     = flag.String("dhcp4-range-end", "", "DHCPv4 pool range end")
		dhcp4Subnet  = flag.String("dhcp4-subnet", "", "DHCPv4 pool subnet, CIDR")
		dhcp4Gateway = flag.String("dhcp4-gateway", "", "DHCPv4 pool gateway")
		dhcp4DNS     = flag.String("dhcp4-dns", "", "DHCPv4 DNS servers, comma separated")
		dhcp4Domain  = flag.String("dhcp4-domain", "", "DHCPv4 domain name")
		dhcp4Lease   = flag.Int("dhcp4-lease-secs", 3600, "DHCPv4 lease time")
		dhcp6Enabled = flag.Bool("dhcp6", false, "Enable the DHCPv6 server")
		dhcp6Prefix  = flag.String("dhcp6-prefix", "", "DHCPv6 pool prefix")
		dhcp6Len     = flag.Int("dhcp6-prefix-len", 64, "DHCPv6 prefix length")

		regZone    = flag.String("dns-reg-zone", "", "Forward zone for DHCP DNS registration (empty disables)")
		regReverse = flag.String("dns-reg-reverse", "", "IPv4 reverse zone for DHCP DNS registration")
		regTTL     = flag.Int("dns-reg-ttl", int(cfg.DNSRegistration.DefaultTTL), "Registered-record TTL")

		msgBackend = flag.String("messaging-backend", cfg.Messaging.Backend, "Bus backend: nats, kafka, redpanda or noop")
		natsURL    = flag.String("nats-url", "", "NATS server URL")
		brokers    = flag.String("brokers", "", "Kafka/Redpanda brokers, comma separated")
		prefix     = flag.String("topic-prefix", cfg.Messaging.TopicPrefix, "Bus topic prefix")

		replEnabled = flag.Bool("replication", cfg.Replication.Enabled, "Enable peer-pull zone replication")
		peers       = flag.String("peers", "", "Peers, \"id=host:grpcport,id2=...\"")
	)
	flag.Parse()

	cfg.Instance.ID = *instanceID
	cfg.Instance.Mode = *mode
	cfg.Instance.Peers = parsePeers(*peers)
	cfg.Database.Path = *dbPath
	cfg.Auth.Enabled = *authEnabled
	cfg.Auth.Listen = *authListen
	cfg.Recursor.Enabled = *recEnabled
	cfg.Recursor.Listen = *recListen
	cfg.Recursor.CacheSize = *cacheSize
	cfg.Recursor.ForwardZones = parseForwardZones(*forwardZones)
	cfg.LoadBalancer.Enabled = *lbEnabled
	cfg.LoadBalancer.CheckIntervalSecs = *lbInterval
	cfg.REST.Listen = *restListen
	cfg.REST.APIKey = *apiKey
	cfg.GRPC.Enabled = *grpcEnabled
	cfg.GRPC.Listen = *grpcListen
	cfg.Messaging.Backend = *msgBackend
	cfg.Messaging.URL = *natsURL
	cfg.Messaging.TopicPrefix = *prefix
	if *brokers != "" {
		cfg.Messaging.Brokers = strings.Split(*brokers, ",")
	}
	cfg.Replication.Enabled = *replEnabled
	cfg.DHCPv4.Enabled = *dhcp4Enabled
	if *dhcp4Start != "" {
		cfg.DHCPv4.Pools = []config.DHCPv4Pool{{
			RangeStart:    *dhcp4Start,
			RangeEnd:      *dhcp4End,
			Subnet:        *dhcp4Subnet,
			Gateway:       *dhcp4Gateway,
			DNS:           splitNonEmpty(*dhcp4DNS),
			Domain:        *dhcp4Domain,
			LeaseTimeSecs: *dhcp4Lease,
		}}
	}
	cfg.DHCPv6.Enabled = *dhcp6Enabled
	if *dhcp6Prefix != "" {
		cfg.DHCPv6.Pools = []config.DHCPv6Pool{{
			Prefix:        *dhcp6Prefix,
			PrefixLen:     *dhcp6Len,
			LeaseTimeSecs: *dhcp4Lease,
		}}
	}
	cfg.DNSRegistration.Enabled = *regZone != ""
	cfg.DNSRegistration.ForwardZone = *regZone
	cfg.DNSRegistration.ReverseZoneV4 = *regReverse
	cfg.DNSRegistration.DefaultTTL = uint32(*regTTL)

	m := metrics.NewMetrics()

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatalf("open database %s: %v", cfg.Database.Path, err)
	}
	defer st.Close()

	bus, err := federation.NewBus(cfg.Messaging.Backend, cfg.Messaging.URL, cfg.Messaging.Brokers, cfg.Messaging.TopicPrefix)
	if err != nil {
		log.Fatalf("connect message bus: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var tracker *federation.Tracker
	if cfg.Instance.Mode == "coordinator" {
		tracker = federation.NewTracker(time.Duration(cfg.Coordinator.HeartbeatIntervalSecs) * 3 * time.Second)
		coord := &federation.CoordinatorAgent{Bus: bus, Prefix: cfg.Messaging.TopicPrefix, Tracker: tracker}
		go coord.Run(ctx)
	}

	var reg *registrar.Registrar
	if cfg.DNSRegistration.Enabled {
		reg = registrar.New(st, cfg.DNSRegistration.ForwardZone,
			cfg.DNSRegistration.ReverseZoneV4, cfg.DNSRegistration.ReverseZoneV6,
			cfg.DNSRegistration.DefaultTTL)
	}

	var authServer *authdns.Server
	if cfg.Auth.Enabled {
		authServer = authdns.New(st, cfg.Auth.Listen)
		go func() {
			if err := authServer.ListenAndServe(ctx); err != nil {
				log.Fatalf("authoritative DNS server: %v", err)
			}
		}()
	}

	if cfg.Recursor.Enabled {
		respCache := cache.NewShardedCache(cfg.Recursor.CacheSize, 64)
		res := recursor.New(st, respCache, cfg.Recursor.ForwardZones, nil)
		go func() {
			if err := res.ListenAndServe(ctx, cfg.Recursor.Listen); err != nil {
				log.Fatalf("recursor: %v", err)
			}
		}()
		go func() {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					m.SetCacheSize(respCache.Len())
				}
			}
		}()
	}

	if cfg.DHCPv4.Enabled {
		pools := dhcp4.PoolsFromConfig(cfg.DHCPv4.Pools)
		reservations := dhcp4.ReservationsFromConfig(cfg.DHCPv4.Reservations)
		dhcpServer := dhcp4.NewServer(st, pools, reservations, reg)
		dhcpServer.OnLeaseCreated = func(l *model.Lease) {
			publishLeaseEvent(ctx, bus, cfg.Instance.ID, federation.EventLeaseCreated, l)
		}
		dhcpServer.OnLeaseReleased = func(l *model.Lease) {
			publishLeaseEvent(ctx, bus, cfg.Instance.ID, federation.EventLeaseReleased, l)
		}
		if err := dhcpServer.RestoreLeases(); err != nil {
			log.Printf("dhcp4: restore leases: %v", err)
		}
		go func() {
			if err := dhcpServer.ListenAndServe(ctx); err != nil {
				log.Fatalf("DHCPv4 server: %v", err)
			}
		}()
	}

	if cfg.DHCPv6.Enabled && len(cfg.DHCPv6.Pools) > 0 {
		p := cfg.DHCPv6.Pools[0]
		prefixIP := net.ParseIP(p.Prefix)
		if prefixIP == nil {
			log.Fatalf("bad DHCPv6 prefix %q", p.Prefix)
		}
		pool := dhcp6.NewPool(prefixIP, p.PrefixLen, nil, p.Domain, uint32(p.LeaseTimeSecs))
		mac := interfaceMAC(cfg.DHCPv6.Interface)
		go func() {
			if err := dhcp6.NewServer(st, []*dhcp6.Pool{pool}, mac, reg).ListenAndServe(ctx); err != nil {
				log.Fatalf("DHCPv6 server: %v", err)
			}
		}()
	}

	if cfg.LoadBalancer.Enabled {
		mon := lbmonitor.New(st, time.Duration(cfg.LoadBalancer.CheckIntervalSecs)*time.Second)
		mon.OnHealthChanged = func(rec *model.Record, healthy bool) {
			h := healthy
			ev := &federation.Event{
				Type:       federation.EventHealthChanged,
				InstanceID: cfg.Instance.ID,
				ZoneID:     rec.ZoneID,
				RecordID:   rec.ID,
				Healthy:    &h,
			}
			if err := bus.Publish(ctx, ev); err != nil {
				log.Printf("publish health change: %v", err)
			}
		}
		go mon.Run(ctx)
	}

	if cfg.Instance.Mode == "leaf" {
		leaf := &federation.LeafAgent{
			Bus:        bus,
			InstanceID: cfg.Instance.ID,
			Mode:       cfg.Instance.Mode,
			Interval:   time.Duration(cfg.Coordinator.HeartbeatIntervalSecs) * time.Second,
			LeaseCount: func() int { return countActiveLeases(st) },
			ZoneCount:  func() int { return countZones(st) },
		}
		go leaf.Run(ctx)
	}
	if cfg.Instance.Mode != "standalone" {
		cfgSync := &federation.ConfigSyncAgent{
			Bus:        bus,
			Store:      st,
			InstanceID: cfg.Instance.ID,
			Prefix:     cfg.Messaging.TopicPrefix,
		}
		go cfgSync.Run(ctx)
	}

	if cfg.Replication.Enabled && len(cfg.Instance.Peers) > 0 {
		agent := replication.New(st, cfg.Instance.Peers,
			time.Duration(cfg.Replication.PullIntervalSecs)*time.Second,
			time.Duration(cfg.Replication.StaleThresholdSecs)*time.Second,
			time.Duration(cfg.Replication.PeerTimeoutSecs)*time.Second)
		go agent.Run(ctx)
	}

	if cfg.GRPC.Enabled {
		rpcServer := &rpc.Server{Store: st, Tracker: tracker}
		go func() {
			if err := rpcServer.ListenAndServe(ctx, cfg.GRPC.Listen); err != nil {
				log.Fatalf("peer RPC server: %v", err)
			}
		}()
	}

	if cfg.REST.Enabled {
		var transferIn func(zone, primary string) error
		if authServer != nil {
			transferIn = authServer.TransferIn
		}
		apiServer := api.New(st, cfg, tracker, transferIn)
		go func() {
			if err := apiServer.ListenAndServe(ctx); err != nil {
				log.Fatalf("REST server: %v", err)
			}
		}()
	}

	// lease purge and store gauges
	go func() {
		ticker := time.NewTicker(cfg.LeasePurgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := st.PurgeExpiredLeases(cfg.LeaseRetention); err != nil {
					log.Printf("lease purge: %v", err)
				} else if n > 0 {
					m.AddLeasesPurged(n)
					log.Printf("lease purge: removed %d leases", n)
				}
				m.SetZoneCount(countZones(st))
				m.SetActiveLeases(countActiveLeases(st))
			}
		}
	}()

	log.Printf("microdnsd up: instance %s, mode %s", cfg.Instance.ID, cfg.Instance.Mode)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down")
	cancel()
	time.Sleep(500 * time.Millisecond) // let listeners wind down before the bus drains
	bus.Close()
}

func publishLeaseEvent(ctx context.Context, bus federation.Bus, instanceID string, typ federation.EventType, lease *model.Lease) {
	ev := &federation.Event{Type: typ, InstanceID: instanceID, Lease: lease}
	if err := bus.Publish(ctx, ev); err != nil {
		log.Printf("publish %s: %v", typ, err)
	}
}

func countZones(st *store.Store) int {
	zones, err := st.ListZones()
	if err != nil {
		return 0
	}
	return len(zones)
}

func countActiveLeases(st *store.Store) int {
	leases, err := st.ListActiveLeases()
	if err != nil {
		return 0
	}
	return len(leases)
}

// parseForwardZones parses "corp.local=10.0.0.1:53;10.0.0.2:53,other=1.2.3.4".
func parseForwardZones(s string) map[string][]string {
	out := make(map[string][]string)
	for _, entry := range splitNonEmpty(s) {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		var servers []string
		for _, srv := range strings.Split(parts[1], ";") {
			srv = strings.TrimSpace(srv)
			if srv == "" {
				continue
			}
			if !strings.Contains(srv, ":") {
				srv += ":53"
			}
			servers = append(servers, srv)
		}
		if len(servers) > 0 {
			out[strings.ToLower(parts[0])] = servers
		}
	}
	return out
}

// parsePeers parses "peer-1=10.0.0.5:50051,peer-2=10.0.0.6:50051".
func parsePeers(s string) []config.PeerConfig {
	var out []config.PeerConfig
	for _, entry := range splitNonEmpty(s) {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		host, portStr, err := net.SplitHostPort(parts[1])
		if err != nil {
			continue
		}
		port := 50051
		if n, err := strconv.Atoi(portStr); err == nil {
			port = n
		}
		out = append(out, config.PeerConfig{
			ID:       parts[0],
			Addr:     host,
			DNSPort:  53,
			HTTPPort: 8080,
			GRPCPort: port,
		})
	}
	return out
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func interfaceMAC(name string) net.HardwareAddr {
	fallback := net.HardwareAddr{0x02, 0x00, 0x00, 0x4d, 0x44, 0x53}
	if name == "" {
		return fallback
	}
	iface, err := net.InterfaceByName(name)
	if err != nil || len(iface.HardwareAddr) == 0 {
		return fallback
	}
	return iface.HardwareAddr
}
