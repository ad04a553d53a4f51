package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxWSConns    = 100
	maxWSMsgBytes = 2 << 20 // 2 MiB per-message cap
	wsPushPeriod  = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleWS pushes {zones, leases, instances} to the dashboard every 2
// seconds. Connections beyond the cap are refused.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	select {
	case s.wsConns <- struct{}{}:
	default:
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	defer func() { <-s.wsConns }()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("api: ws upgrade: %v", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxWSMsgBytes)

	// drain client frames so pings/closes are processed
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPushPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			payload, err := s.dashboardSnapshot()
			if err != nil {
				log.Printf("api: ws snapshot: %v", err)
				continue
			}
			if len(payload) > maxWSMsgBytes {
				log.Printf("api: ws snapshot exceeds %d bytes, skipping push", maxWSMsgBytes)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

func (s *Server) dashboardSnapshot() ([]byte, error) {
	zones, err := s.Store.ListZones()
	if err != nil {
		return nil, err
	}
	leases, err := s.Store.ListActiveLeases()
	if err != nil {
		return nil, err
	}
	var instances interface{}
	if s.Tracker != nil {
		instances = s.Tracker.GetAllStatus()
	} else {
		instances = []interface{}{}
	}
	return json.Marshal(map[string]interface{}{
		"zones":     zones,
		"leases":    leases,
		"instances": instances,
	})
}
