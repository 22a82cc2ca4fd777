package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.io/infrasutra/listrelay/internal/inbound"
	"github.io/infrasutra/listrelay/internal/pagination"
	"github.io/infrasutra/listrelay/internal/sse"
	"github.io/infrasutra/listrelay/internal/store"
)

// handleInbound is the webhook form of the delivery hook: the body is one raw
// RFC 5322 message and repeated rcpt parameters carry the envelope recipients.
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		if isTooLarge(err) {
			s.respondError(w, http.StatusRequestEntityTooLarge, "message too large")
			return
		}
		s.respondError(w, http.StatusBadRequest, "read body")
		return
	}
	if len(raw) == 0 {
		s.respondError(w, http.StatusBadRequest, "empty message")
		return
	}

	var recipients []string
	for _, rcpt := range r.URL.Query()["rcpt"] {
		if rcpt = strings.TrimSpace(rcpt); rcpt != "" {
			recipients = append(recipients, rcpt)
		}
	}
	email, err := inbound.Parse(raw, recipients...)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "message could not be parsed")
		return
	}

	outcome, err := s.pipeline.Receive(r.Context(), email)
	if err != nil {
		s.logger.Error("receive webhook message", "caller", subjectFrom(r.Context()), "error", err)
		s.respondError(w, http.StatusServiceUnavailable, "temporary failure, retry later")
		return
	}
	s.respondJSON(w, http.StatusOK, outcome)
}

type ingestionView struct {
	ID          string    `json:"id"`
	MessageID   string    `json:"messageId"`
	SiteID      int64     `json:"siteId"`
	From        string    `json:"from"`
	Subject     string    `json:"subject"`
	Disposition string    `json:"disposition"`
	Reason      string    `json:"reason,omitempty"`
	MessageIDs  []int64   `json:"messageIds,omitempty"`
	Delivered   int       `json:"delivered"`
	Failed      int       `json:"failed"`
	CreatedAt   time.Time `json:"createdAt"`
}

type ingestionPage struct {
	Items   []ingestionView `json:"items"`
	Page    int32           `json:"page"`
	Limit   int32           `json:"limit"`
	Total   int32           `json:"total"`
	HasNext bool            `json:"hasNext"`
}

func (s *Server) handleIngestions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := pagination.FromQuery(q)

	var siteID int64
	if host := strings.TrimSpace(q.Get("site")); host != "" {
		site, err := s.store.SiteByHost(r.Context(), host)
		if errors.Is(err, store.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, fmt.Sprintf("unknown site %q", host))
			return
		}
		if err != nil {
			s.logger.Error("lookup site", "host", host, "error", err)
			s.respondError(w, http.StatusInternalServerError, "lookup site")
			return
		}
		siteID = site.ID
	}

	rows, total, err := s.store.ListIngestions(r.Context(), siteID, q.Get("disposition"), params.Sort, params.Offset, params.Limit)
	if err != nil {
		s.logger.Error("list ingestions", "error", err)
		s.respondError(w, http.StatusInternalServerError, "list ingestions")
		return
	}
	page := ingestionPage{
		Items:   make([]ingestionView, 0, len(rows)),
		Page:    params.Page,
		Limit:   params.Limit,
		Total:   total,
		HasNext: params.HasNext(total),
	}
	for _, row := range rows {
		page.Items = append(page.Items, ingestionView{
			ID:          row.ID,
			MessageID:   row.HeaderMessageID,
			SiteID:      row.SiteID,
			From:        row.From,
			Subject:     row.Subject,
			Disposition: row.Disposition,
			Reason:      row.Reason,
			MessageIDs:  row.MessageIDs,
			Delivered:   row.Delivered,
			Failed:      row.Failed,
			CreatedAt:   row.CreatedAt.UTC(),
		})
	}
	s.respondJSON(w, http.StatusOK, page)
}

// handleStream relays outcomes for ?site=host, or for every site when the
// parameter is absent.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	topic := strings.TrimSpace(r.URL.Query().Get("site"))
	if topic == "" {
		topic = sse.AllSites
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsubscribe := s.hub.Subscribe(topic)
	defer unsubscribe()

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			_, _ = fmt.Fprintf(w, "event: outcome\ndata: %s\n\n", payload)
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		}
	}
}
