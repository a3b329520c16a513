package realtime

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"canon/cmd/internal/timeline"
	ev1 "canon/shared/contracts/events/v1"
	v1 "canon/shared/contracts/realtime/v1"
)

// API exposes rooms over plain HTTP: event ingestion, snapshots, resyncs
// and decryption-failure reports.
type API struct {
	log *slog.Logger
	hub *Hub
}

// NewAPI constructs the HTTP API over hub.
func NewAPI(log *slog.Logger, hub *Hub) *API {
	if log == nil {
		log = slog.Default()
	}
	return &API{log: log, hub: hub}
}

// Register mounts the API routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/rooms/{room}/events", a.handleIngest)
	mux.HandleFunc("GET /v1/rooms/{room}/timeline", a.handleTimeline)
	mux.HandleFunc("POST /v1/rooms/{room}/reset", a.handleReset)
	mux.HandleFunc("POST /v1/rooms/{room}/events/{event}/undecryptable", a.handleUndecryptable)
}

type ingestResponse struct {
	EventID     string   `json:"event_id"`
	Handled     bool     `json:"handled"`
	OrderingKey uint64   `json:"ordering_key"`
	Released    []string `json:"released,omitempty"`
	Replayed    int      `json:"replayed,omitempty"`
}

type timelineResponse struct {
	RoomID string           `json:"room_id"`
	Items  []v1.ItemPayload `json:"items"`
}

type undecryptableRequest struct {
	Cause string `json:"cause"`
}

func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	room, ok := a.room(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "too_large", "event too large")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "bad_body", "could not read request body")
		return
	}

	res, err := room.Ingest(r.Context(), body)
	if err != nil {
		if errors.Is(err, ev1.ErrInvalidEvent) {
			writeJSONError(w, http.StatusBadRequest, "invalid_event", err.Error())
			return
		}
		a.log.Error("api.ingest.fail", "room_id", room.ID, "err", err)
		writeJSONError(w, http.StatusInternalServerError, "internal", "ingest failed")
		return
	}

	writeJSON(w, http.StatusAccepted, ingestResponse{
		EventID:     res.EventID,
		Handled:     res.Handled,
		OrderingKey: res.OrderingKey.Uint64(),
		Released:    res.Released,
		Replayed:    res.Replayed,
	})
}

func (a *API) handleTimeline(w http.ResponseWriter, r *http.Request) {
	room, ok := a.room(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, timelineResponse{
		RoomID: room.ID,
		Items:  ItemsToWire(room.Snapshot()),
	})
}

func (a *API) handleReset(w http.ResponseWriter, r *http.Request) {
	room, ok := a.room(w, r)
	if !ok {
		return
	}
	room.Resync()
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUndecryptable(w http.ResponseWriter, r *http.Request) {
	room, ok := a.room(w, r)
	if !ok {
		return
	}

	var req undecryptableRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_json", "invalid JSON")
		return
	}
	cause, known := timeline.ParseUTDCause(req.Cause)
	if !known {
		writeJSONError(w, http.StatusBadRequest, "invalid_cause", "unknown cause")
		return
	}

	if !room.ReportUndecryptable(r.PathValue("event"), cause) {
		writeJSONError(w, http.StatusNotFound, "not_encrypted", "no encrypted item with that id")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) room(w http.ResponseWriter, r *http.Request) (*Room, bool) {
	room, err := a.hub.GetOrCreateRoom(r.Context(), r.PathValue("room"))
	switch {
	case err == nil:
		return room, true
	case errors.Is(err, ErrRoomIDRequired), errors.Is(err, ErrInvalidRoomID):
		writeJSONError(w, http.StatusBadRequest, "invalid_room", err.Error())
	default:
		a.log.Error("api.room.fail", "room_id", r.PathValue("room"), "err", err)
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "room unavailable")
	}
	return nil, false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, v1.ErrorPayload{Code: code, Message: msg})
}
