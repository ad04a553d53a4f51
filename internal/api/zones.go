package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"microdns/internal/model"
	"microdns/internal/storeerr"
)

type zoneSummary struct {
	*model.Zone
	RecordCount int `json:"record_count"`
}

func (s *Server) handleListZones(w http.ResponseWriter, r *http.Request) {
	zones, err := s.Store.ListZones()
	if err != nil {
		writeInternalError(w, err)
		return
	}
	offset, limit := pagination(r)
	page := paginate(zones, offset, limit)

	out := make([]zoneSummary, 0, len(page))
	for _, z := range page {
		records, err := s.Store.ListRecords(z.ID)
		if err != nil {
			writeInternalError(w, err)
			return
		}
		out = append(out, zoneSummary{Zone: z, RecordCount: len(records)})
	}
	writeJSON(w, out)
}

type createZoneRequest struct {
	Name       string         `json:"name"`
	SOA        *model.SoaData `json:"soa,omitempty"`
	DefaultTTL *uint32        `json:"default_ttl,omitempty"`
}

func (s *Server) handleCreateZone(w http.ResponseWriter, r *http.Request) {
	var req createZoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid json body")
		return
	}
	name := normalizeZoneName(req.Name)
	if err := ValidateZoneName(name); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	zone := &model.Zone{Name: name}
	if req.SOA != nil {
		zone.SOA = *req.SOA
	} else {
		zone.SOA = defaultSOA(name)
	}
	if req.DefaultTTL != nil {
		zone.DefaultTTL = *req.DefaultTTL
	} else {
		zone.DefaultTTL = 3600
	}

	if err := s.Store.CreateZone(name, zone); err != nil {
		if errors.Is(err, storeerr.ErrDuplicateZone) {
			writeJSONStatus(w, http.StatusConflict, map[string]string{"error": "zone already exists"})
			return
		}
		writeInternalError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, zone)
}

// defaultSOA is the auto-SOA applied on create. The serial starts at
// today's date base (YYYYMMDD*100) so the first record change advances it
// past the conventional date form.
func defaultSOA(name string) model.SoaData {
	var base uint32
	fmt.Sscanf(time.Now().UTC().Format("20060102"), "%d", &base)
	return model.SoaData{
		Mname:   "ns1." + name,
		Rname:   "hostmaster." + name,
		Serial:  base * 100,
		Refresh: 3600,
		Retry:   600,
		Expire:  604800,
		Minimum: 300,
	}
}

func (s *Server) handleGetZone(w http.ResponseWriter, r *http.Request) {
	zone, err := s.Store.GetZone(mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, storeerr.ErrZoneNotFound) {
			writeNotFound(w)
			return
		}
		writeInternalError(w, err)
		return
	}
	writeJSON(w, zone)
}

func (s *Server) handleDeleteZone(w http.ResponseWriter, r *http.Request) {
	err := s.Store.DeleteZone(mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, storeerr.ErrZoneNotFound) {
			writeNotFound(w)
			return
		}
		writeInternalError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type zoneTransferRequest struct {
	Zone    string `json:"zone"`
	Primary string `json:"primary"` // "host:port"
}

func (s *Server) handleZoneTransfer(w http.ResponseWriter, r *http.Request) {
	var req zoneTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid json body")
		return
	}
	if req.Zone == "" || req.Primary == "" {
		writeBadRequest(w, "zone and primary are required")
		return
	}
	if s.TransferIn == nil {
		writeBadRequest(w, "zone transfer is not enabled")
		return
	}
	if err := s.TransferIn(normalizeZoneName(req.Zone), req.Primary); err != nil {
		writeInternalError(w, err)
		return
	}
	zone, err := s.Store.GetZoneByName(normalizeZoneName(req.Zone))
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, zone)
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	zoneID := mux.Vars(r)["zone_id"]
	if _, err := s.Store.GetZone(zoneID); err != nil {
		if errors.Is(err, storeerr.ErrZoneNotFound) {
			writeNotFound(w)
			return
		}
		writeInternalError(w, err)
		return
	}
	records, err := s.Store.ListRecords(zoneID)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	offset, limit := pagination(r)
	writeJSON(w, paginate(records, offset, limit))
}

type createRecordRequest struct {
	Name        string             `json:"name"`
	TTL         *uint32            `json:"ttl,omitempty"`
	Data        *model.RecordData  `json:"data"`
	Enabled     *bool              `json:"enabled,omitempty"`
	HealthCheck *model.HealthCheck `json:"health_check,omitempty"`
}

func (s *Server) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	zoneID := mux.Vars(r)["zone_id"]
	zone, err := s.Store.GetZone(zoneID)
	if err != nil {
		if errors.Is(err, storeerr.ErrZoneNotFound) {
			writeNotFound(w)
			return
		}
		writeInternalError(w, err)
		return
	}

	var req createRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid json body")
		return
	}
	if err := ValidateRecordName(req.Name); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.Data == nil {
		writeBadRequest(w, "data is required")
		return
	}

	record := &model.Record{
		ZoneID:      zoneID,
		Name:        req.Name,
		Data:        *req.Data,
		Enabled:     true,
		HealthCheck: req.HealthCheck,
		TTL:         zone.DefaultTTL,
	}
	if req.TTL != nil {
		record.TTL = *req.TTL
	}
	if req.Enabled != nil {
		record.Enabled = *req.Enabled
	}

	if err := s.Store.CreateRecord(record); err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, record)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	record, err := s.Store.GetRecord(mux.Vars(r)["record_id"])
	if err != nil {
		if errors.Is(err, storeerr.ErrRecordNotFound) {
			writeNotFound(w)
			return
		}
		writeInternalError(w, err)
		return
	}
	writeJSON(w, record)
}

// handleUpdateRecord uses field-presence semantics: only the fields present
// in the body are applied onto the stored record.
func (s *Server) handleUpdateRecord(w http.ResponseWriter, r *http.Request) {
	record, err := s.Store.GetRecord(mux.Vars(r)["record_id"])
	if err != nil {
		if errors.Is(err, storeerr.ErrRecordNotFound) {
			writeNotFound(w)
			return
		}
		writeInternalError(w, err)
		return
	}

	var req createRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid json body")
		return
	}
	if req.Name != "" {
		if err := ValidateRecordName(req.Name); err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		record.Name = req.Name
	}
	if req.TTL != nil {
		record.TTL = *req.TTL
	}
	if req.Data != nil {
		record.Data = *req.Data
	}
	if req.Enabled != nil {
		record.Enabled = *req.Enabled
	}
	if req.HealthCheck != nil {
		record.HealthCheck = req.HealthCheck
	}
	record.UpdatedAt = time.Now().UTC()

	if err := s.Store.UpdateRecord(record); err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, record)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	err := s.Store.DeleteRecord(mux.Vars(r)["record_id"])
	if err != nil {
		if errors.Is(err, storeerr.ErrRecordNotFound) {
			writeNotFound(w)
			return
		}
		writeInternalError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
