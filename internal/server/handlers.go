package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"omnicontact/internal/agent"
	"omnicontact/internal/domain"
	"omnicontact/internal/embedding"
	"omnicontact/internal/knowledge"
	"omnicontact/internal/vectorindex"
)

const maxRequestBody = 4 << 20

// badRequest lists the sentinel errors that mean the caller sent something invalid.
var badRequest = []error{
	agent.ErrEmptyText,
	agent.ErrInvalidChannel,
	agent.ErrMissingTenant,
	agent.ErrMissingAddress,
	knowledge.ErrInvalidQuery,
	knowledge.ErrEmptyDocument,
	embedding.ErrEmptyText,
	embedding.ErrDimensionMismatch,
	embedding.ErrUnknownKind,
	vectorindex.ErrUnsupportedDimension,
	vectorindex.ErrMissingTenant,
}

func isBadRequest(err error) bool {
	for _, target := range badRequest {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func decode(rw http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(rw, http.StatusBadRequest, "bad request")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(rw, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func (s *Server) handleHealth(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAsk(rw http.ResponseWriter, r *http.Request) {
	var q knowledge.Query
	if !decode(rw, r, &q) {
		return
	}
	res, err := s.cfg.Knowledge.Ask(r.Context(), q)
	if err != nil {
		if isBadRequest(err) {
			writeError(rw, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("knowledge query failed", "tenant", q.TenantID, "err", err)
		writeError(rw, http.StatusBadGateway, "knowledge query failed")
		return
	}
	writeJSON(rw, http.StatusOK, res)
}

func (s *Server) handleIndex(rw http.ResponseWriter, r *http.Request) {
	var req knowledge.IndexRequest
	if !decode(rw, r, &req) {
		return
	}
	doc, err := s.cfg.Indexer.Index(r.Context(), req)
	if err != nil {
		if isBadRequest(err) {
			writeError(rw, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("document indexing failed", "tenant", req.TenantID, "err", err)
		writeError(rw, http.StatusInternalServerError, "document indexing failed")
		return
	}
	writeJSON(rw, http.StatusCreated, doc)
}

type messageRequest struct {
	TenantID string         `json:"tenantId"`
	Channel  domain.Channel `json:"channel"`
	Address  string         `json:"address"`
	Text     string         `json:"text"`
	Subject  string         `json:"subject,omitempty"`
}

// handleMessage runs a turn synchronously and returns the reply. Delivery
// over the channel is the caller's concern.
func (s *Server) handleMessage(rw http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !decode(rw, r, &req) {
		return
	}
	if req.Channel == "" {
		req.Channel = domain.ChannelAPI
	}
	reply, err := s.cfg.Conversations.HandleText(r.Context(), agent.Inbound{
		TenantID: req.TenantID,
		Channel:  req.Channel,
		Address:  req.Address,
		Text:     req.Text,
		Subject:  req.Subject,
	})
	if err != nil {
		if isBadRequest(err) {
			writeError(rw, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("conversation turn failed", "tenant", req.TenantID, "err", err)
		writeError(rw, http.StatusInternalServerError, "conversation turn failed")
		return
	}
	if reply.Actions == nil {
		reply.Actions = []domain.Action{}
	}
	writeJSON(rw, http.StatusOK, reply)
}

func (s *Server) handleAvailability(rw http.ResponseWriter, r *http.Request) {
	q := domain.AvailabilityQuery{
		TenantID:    strings.TrimSpace(r.URL.Query().Get("tenantId")),
		Date:        strings.TrimSpace(r.URL.Query().Get("date")),
		ServiceType: strings.TrimSpace(r.URL.Query().Get("serviceType")),
	}
	if q.TenantID == "" {
		writeError(rw, http.StatusBadRequest, "tenantId is required")
		return
	}
	if _, err := time.Parse(time.DateOnly, q.Date); err != nil {
		writeError(rw, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	slots, err := s.cfg.Scheduler.CheckAvailability(r.Context(), q)
	if err != nil {
		s.logger.Error("availability lookup failed", "tenant", q.TenantID, "err", err)
		writeError(rw, http.StatusInternalServerError, "availability lookup failed")
		return
	}
	if slots == nil {
		slots = []domain.Slot{}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"date": q.Date, "slots": slots})
}
