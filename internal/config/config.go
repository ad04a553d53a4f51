// Package config holds the in-process configuration struct MicroDNS is wired
// from. TOML parsing lives outside the core; this package only defines the
// Go shape an external loader deserializes into, seeded with defaults.
package config

import "time"

// InstanceConfig is the `[instance]` section: federation identity and peers.
type InstanceConfig struct {
	ID    string
	Mode  string // "standalone" | "leaf" | "coordinator"
	Peers []PeerConfig
}

// PeerConfig is one entry of `instance.peers`.
type PeerConfig struct {
	ID       string
	Addr     string
	DNSPort  int
	HTTPPort int
	GRPCPort int
}

// CoordinatorConfig is the `[coordinator]` section.
type CoordinatorConfig struct {
	Endpoint              string
	HeartbeatIntervalSecs int
	ReportIntervalSecs    int
}

// AuthDNSConfig is `[dns.auth]`.
type AuthDNSConfig struct {
	Enabled bool
	Listen  string
	Zones   []string
}

// RecursorConfig is `[dns.recursor]`.
type RecursorConfig struct {
	Enabled      bool
	Listen       string
	ForwardZones map[string][]string
	CacheSize    int
}

// LoadBalancerConfig is `[dns.loadbalancer]`.
type LoadBalancerConfig struct {
	Enabled           bool
	CheckIntervalSecs int
	DefaultProbe      string
}

// DHCPv4Pool is one entry of `dhcp.v4.pools`.
type DHCPv4Pool struct {
	RangeStart    string
	RangeEnd      string
	Subnet        string
	Gateway       string
	DNS           []string
	Domain        string
	LeaseTimeSecs int
	NextServer    string
	BootFile      string
}

// DHCPv4Reservation is one entry of `dhcp.v4.reservations`.
type DHCPv4Reservation struct {
	MAC      string
	IP       string
	Hostname string
}

// DHCPv4Config is `[dhcp.v4]`.
type DHCPv4Config struct {
	Enabled      bool
	Interface    string
	Pools        []DHCPv4Pool
	Reservations []DHCPv4Reservation
}

// DHCPv6Pool is one entry of `dhcp.v6.pools`.
type DHCPv6Pool struct {
	Prefix        string
	PrefixLen     int
	DNS           []string
	Domain        string
	LeaseTimeSecs int
}

// DHCPv6Config is `[dhcp.v6]`.
type DHCPv6Config struct {
	Enabled   bool
	Interface string
	Pools     []DHCPv6Pool
}

// SLAACConfig is `[dhcp.slaac]`, stubbed pending raw-socket support.
type SLAACConfig struct {
	Enabled   bool
	Interface string
	Prefix    string
	PrefixLen int
}

// DNSRegistrationConfig is `[dhcp.dns_registration]`.
type DNSRegistrationConfig struct {
	Enabled       bool
	ForwardZone   string
	ReverseZoneV4 string
	ReverseZoneV6 string
	DefaultTTL    uint32
}

// MessagingConfig is `[messaging]`.
type MessagingConfig struct {
	Backend     string // "nats" | "kafka" | "redpanda" | "noop"
	Brokers     []string
	URL         string
	TopicPrefix string
}

// RESTConfig is `[api.rest]`.
type RESTConfig struct {
	Enabled bool
	Listen  string
	APIKey  string
}

// GRPCConfig is `[api.grpc]`.
type GRPCConfig struct {
	Enabled bool
	Listen  string
}

// DatabaseConfig is `[database]`.
type DatabaseConfig struct {
	Path string
}

// LoggingConfig is `[logging]`.
type LoggingConfig struct {
	Level  string
	Format string // "json" | "text"
}

// IpamPool is one entry of `ipam.pools`.
type IpamPool struct {
	Name       string
	Subnet     string
	RangeStart string
	RangeEnd   string
	Gateway    string
	Bridge     string
}

// IpamConfig is `[ipam]`.
type IpamConfig struct {
	Enabled bool
	Pools   []IpamPool
}

// ReplicationConfig is `[replication]`.
type ReplicationConfig struct {
	Enabled            bool
	PullIntervalSecs   int
	StaleThresholdSecs int
	PeerTimeoutSecs    int
}

// Config is the root MicroDNS configuration.
type Config struct {
	Instance        InstanceConfig
	Coordinator     CoordinatorConfig
	Auth            AuthDNSConfig
	Recursor        RecursorConfig
	LoadBalancer    LoadBalancerConfig
	DHCPv4          DHCPv4Config
	DHCPv6          DHCPv6Config
	SLAAC           SLAACConfig
	DNSRegistration DNSRegistrationConfig
	Messaging       MessagingConfig
	REST            RESTConfig
	GRPC            GRPCConfig
	Database        DatabaseConfig
	Logging         LoggingConfig
	Ipam            IpamConfig
	Replication     ReplicationConfig

	// Ambient, not a TOML section: per-subsystem network timeouts used
	// throughout, kept here so callers don't thread raw durations around.
	UpstreamTimeout          time.Duration
	TCPHandlerTimeout        time.Duration
	ConnectivityProbeTimeout time.Duration
	LeasePurgeInterval       time.Duration
	LeaseRetention           time.Duration
}

// NewConfig returns a Config seeded with the documented defaults.
func NewConfig() *Config {
	return &Config{
		Instance: InstanceConfig{
			Mode: "standalone",
		},
		Coordinator: CoordinatorConfig{
			HeartbeatIntervalSecs: 10,
			ReportIntervalSecs:    30,
		},
		Auth: AuthDNSConfig{
			Enabled: true,
			Listen:  "0.0.0.0:53",
		},
		Recursor: RecursorConfig{
			Enabled:      true,
			Listen:       "0.0.0.0:5353",
			ForwardZones: map[string][]string{},
			CacheSize:    10000,
		},
		LoadBalancer: LoadBalancerConfig{
			Enabled:           true,
			CheckIntervalSecs: 10,
			DefaultProbe:      "ping",
		},
		DNSRegistration: DNSRegistrationConfig{
			DefaultTTL: 300,
		},
		Messaging: MessagingConfig{
			Backend:     "noop",
			TopicPrefix: "microdns",
		},
		REST: RESTConfig{
			Enabled: true,
			Listen:  "0.0.0.0:8080",
		},
		GRPC: GRPCConfig{
			Enabled: true,
			Listen:  "0.0.0.0:50051",
		},
		Database: DatabaseConfig{
			Path: "/data/microdns.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Replication: ReplicationConfig{
			Enabled:            true,
			PullIntervalSecs:   60,
			StaleThresholdSecs: 300,
			PeerTimeoutSecs:    10,
		},
		UpstreamTimeout:          5 * time.Second,
		TCPHandlerTimeout:        30 * time.Second,
		ConnectivityProbeTimeout: 3 * time.Second,
		LeasePurgeInterval:       5 * time.Minute,
		LeaseRetention:           24 * time.Hour,
	}
}

// UpstreamServers is the global upstream list used when no forward zone
// matches.
var UpstreamServers = []string{"8.8.8.8:53", "8.8.4.4:53", "1.1.1.1:53"}
