// Package admin serves a read-only HTTP view of a running harness:
// listener state, journaled pushes, subscriptions and relay progress.
package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/maxpert/pushwatch/epcis"
	"github.com/maxpert/pushwatch/journal"
	"github.com/maxpert/pushwatch/listener"
	"github.com/maxpert/pushwatch/relay"
	"github.com/maxpert/pushwatch/subscription"
	"github.com/rs/zerolog/log"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// PushReader is the journal surface the admin API reads
type PushReader interface {
	ReadFrom(cursor uint64, limit int) ([]journal.Entry, error)
	Get(seq uint64) (journal.Entry, error)
	LastSeq() uint64
}

// SubscriptionLister lists caller-side subscription handles
type SubscriptionLister interface {
	Active() []*subscription.Handle
}

// RelayStatuser reports relay worker progress
type RelayStatuser interface {
	Statuses() []relay.Status
}

// ListenerInfo reports listener state
type ListenerInfo interface {
	State() listener.State
	Addr() net.Addr
	Received() uint64
}

// Sources wires the admin API to harness components. Nil fields are
// reported as disabled.
type Sources struct {
	HarnessID     string
	Listener      ListenerInfo
	Journal       PushReader
	Subscriptions SubscriptionLister
	Relays        RelayStatuser
}

// Handlers implements the admin endpoints
type Handlers struct {
	src     Sources
	started time.Time
}

// NewHandlers creates handlers over src
func NewHandlers(src Sources) *Handlers {
	return &Handlers{src: src, started: time.Now()}
}

type listenerView struct {
	State    string `json:"state"`
	Address  string `json:"address,omitempty"`
	Received uint64 `json:"received"`
}

type statusView struct {
	HarnessID     string         `json:"harness_id"`
	Uptime        string         `json:"uptime"`
	Listener      *listenerView  `json:"listener,omitempty"`
	JournalSeq    *uint64        `json:"journal_last_seq,omitempty"`
	Subscriptions int            `json:"active_subscriptions"`
	Relays        []relay.Status `json:"relays,omitempty"`
}

type pushSummary struct {
	Seq            uint64    `json:"seq"`
	PushSeq        uint64    `json:"push_seq"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	Remote         string    `json:"remote,omitempty"`
	ReceivedAt     time.Time `json:"received_at"`
	Digest         string    `json:"digest"`
	Bytes          int       `json:"bytes"`
}

type pushDetail struct {
	pushSummary
	Payload string `json:"payload"`
}

type subscriptionView struct {
	ID                string    `json:"id"`
	QueryName         string    `json:"query_name"`
	State             string    `json:"state"`
	Destination       string    `json:"destination"`
	Predicates        string    `json:"predicates,omitempty"`
	Schedule          string    `json:"schedule,omitempty"`
	ReportIfEmpty     bool      `json:"report_if_empty"`
	InitialRecordTime time.Time `json:"initial_record_time"`
	ActivatedAt       time.Time `json:"activated_at"`
}

func summarize(e journal.Entry) pushSummary {
	return pushSummary{
		Seq:            e.Seq,
		PushSeq:        e.PushSeq,
		SubscriptionID: e.SubscriptionID,
		Remote:         e.Remote,
		ReceivedAt:     e.ReceivedAt.UTC(),
		Digest:         strconv.FormatUint(e.Digest, 16),
		Bytes:          len(e.Payload),
	}
}

// handleStatus reports a one-shot view of every wired component
func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	view := statusView{
		HarnessID: h.src.HarnessID,
		Uptime:    time.Since(h.started).Round(time.Second).String(),
	}

	if l := h.src.Listener; l != nil {
		lv := &listenerView{State: l.State().String(), Received: l.Received()}
		if addr := l.Addr(); addr != nil {
			lv.Address = addr.String()
		}
		view.Listener = lv
	}
	if j := h.src.Journal; j != nil {
		seq := j.LastSeq()
		view.JournalSeq = &seq
	}
	if s := h.src.Subscriptions; s != nil {
		view.Subscriptions = len(s.Active())
	}
	if rs := h.src.Relays; rs != nil {
		view.Relays = rs.Statuses()
	}

	writeJSONResponse(w, view, false, "")
}

// handleListPushes pages through the journal with ?from=<seq>&limit=<n>
func (h *Handlers) handleListPushes(w http.ResponseWriter, r *http.Request) {
	if h.src.Journal == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "push journal is disabled")
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	from, err := parseFrom(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.src.Journal.ReadFrom(from, limit)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]pushSummary, 0, len(entries))
	for _, e := range entries {
		out = append(out, summarize(e))
	}

	lastKey := ""
	hasMore := len(entries) == limit
	if hasMore {
		lastKey = strconv.FormatUint(entries[len(entries)-1].Seq, 10)
	}
	writeJSONResponse(w, out, hasMore, lastKey)
}

// handleGetPush returns one push. ?raw=true serves the stored document as XML.
func (h *Handlers) handleGetPush(w http.ResponseWriter, r *http.Request, seq uint64) {
	entry, ok := h.lookup(w, seq)
	if !ok {
		return
	}

	if r.URL.Query().Get("raw") == "true" {
		w.Header().Set("Content-Type", "text/xml; charset=utf-8")
		if _, err := w.Write(entry.Payload); err != nil {
			log.Debug().Err(err).Uint64("seq", seq).Msg("Failed to write raw push")
		}
		return
	}

	writeJSONResponse(w, pushDetail{pushSummary: summarize(entry), Payload: string(entry.Payload)}, false, "")
}

// handleGetPushBatch decodes a journaled push into its result batch
func (h *Handlers) handleGetPushBatch(w http.ResponseWriter, r *http.Request, seq uint64) {
	entry, ok := h.lookup(w, seq)
	if !ok {
		return
	}

	batch, err := epcis.Decode(entry.Payload)
	if err != nil {
		var qe *epcis.QueryExceptionError
		if errors.As(err, &qe) {
			writeErrorResponse(w, http.StatusUnprocessableEntity, qe.Error())
			return
		}
		writeErrorResponse(w, http.StatusUnprocessableEntity, fmt.Sprintf("push %d is not a result document: %v", seq, err))
		return
	}
	writeJSONResponse(w, batch, false, "")
}

func (h *Handlers) lookup(w http.ResponseWriter, seq uint64) (journal.Entry, bool) {
	if h.src.Journal == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "push journal is disabled")
		return journal.Entry{}, false
	}

	entry, err := h.src.Journal.Get(seq)
	if errors.Is(err, journal.ErrNotFound) {
		writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("push %d not found", seq))
		return journal.Entry{}, false
	}
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return journal.Entry{}, false
	}
	return entry, true
}

// handleSubscriptions lists active subscriptions
func (h *Handlers) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	if h.src.Subscriptions == nil {
		writeJSONResponse(w, []subscriptionView{}, false, "")
		return
	}

	handles := h.src.Subscriptions.Active()
	out := make([]subscriptionView, 0, len(handles))
	for _, hd := range handles {
		req := hd.Request()
		view := subscriptionView{
			ID:                hd.ID(),
			QueryName:         req.QueryName,
			State:             hd.State().String(),
			Destination:       req.Destination,
			Predicates:        req.Predicates.String(),
			ReportIfEmpty:     req.ReportIfEmpty,
			InitialRecordTime: req.InitialRecordTime,
			ActivatedAt:       hd.ActivatedAt(),
		}
		if !req.Schedule.IsZero() {
			view.Schedule = req.Schedule.String()
		}
		out = append(out, view)
	}
	writeJSONResponse(w, out, false, "")
}

// handleRelays lists relay worker status
func (h *Handlers) handleRelays(w http.ResponseWriter, r *http.Request) {
	if h.src.Relays == nil {
		writeJSONResponse(w, []relay.Status{}, false, "")
		return
	}
	writeJSONResponse(w, h.src.Relays.Statuses(), false, "")
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}, hasMore bool, lastKey string) {
	response := map[string]interface{}{
		"data": data,
	}

	if hasMore || lastKey != "" {
		response["has_more"] = hasMore
		if lastKey != "" {
			response["last_key"] = lastKey
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return defaultLimit, nil
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}
	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}
	if limit > maxLimit {
		return 0, fmt.Errorf("limit cannot exceed %d", maxLimit)
	}
	return limit, nil
}

// parseFrom parses the exclusive starting sequence for pagination
func parseFrom(r *http.Request) (uint64, error) {
	fromStr := r.URL.Query().Get("from")
	if fromStr == "" {
		return 0, nil
	}
	from, err := strconv.ParseUint(fromStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid from parameter: %w", err)
	}
	return from, nil
}
