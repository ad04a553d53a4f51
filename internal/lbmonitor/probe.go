package lbmonitor

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"microdns/internal/model"
)

// Probe runs one health check against target (the record's address) per the
// check's probe type and timeout. The Ping probe is a TCP reachability check
// against ports 80 then 443, not ICMP; a connection refused on either still
// proves the host is up.
func Probe(check *model.HealthCheck, target string) bool {
	timeout := time.Duration(check.TimeoutSecs) * time.Second
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	switch check.ProbeType {
	case model.ProbeHTTP, model.ProbeHTTPS:
		return httpProbe(check, target, timeout)
	case model.ProbeTCP:
		return tcpProbe(check, target, timeout)
	case model.ProbePing:
		return pingProbe(target, timeout)
	default:
		return pingProbe(target, timeout)
	}
}

// httpProbe expects a 2xx status; invalid TLS certificates are accepted.
func httpProbe(check *model.HealthCheck, target string, timeout time.Duration) bool {
	probeURL := check.Endpoint
	if probeURL == "" {
		scheme := "http"
		if check.ProbeType == model.ProbeHTTPS {
			scheme = "https"
		}
		probeURL = fmt.Sprintf("%s://%s/", scheme, target)
	}
	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	resp, err := client.Get(probeURL)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// tcpProbe connects to the port parsed from the check's endpoint, or 80.
func tcpProbe(check *model.HealthCheck, target string, timeout time.Duration) bool {
	port := portFromEndpoint(check.Endpoint)
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(target, port), timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// pingProbe tries TCP to port 80, falling back to 443. A connection refused
// means the host answered, which is all reachability requires.
func pingProbe(target string, timeout time.Duration) bool {
	for _, port := range []string{"80", "443"} {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(target, port), timeout)
		if err == nil {
			conn.Close()
			return true
		}
		if errors.Is(err, syscall.ECONNREFUSED) {
			return true
		}
	}
	return false
}

func portFromEndpoint(endpoint string) string {
	if endpoint == "" {
		return "80"
	}
	if u, err := url.Parse(endpoint); err == nil && u.Port() != "" {
		return u.Port()
	}
	if _, port, err := net.SplitHostPort(endpoint); err == nil {
		return port
	}
	if i := strings.LastIndex(endpoint, ":"); i >= 0 && !strings.Contains(endpoint[i+1:], "/") {
		return endpoint[i+1:]
	}
	return "80"
}
