package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"skycredit/internal/calls"
	"skycredit/internal/database"
)

type startCallRequest struct {
	Scenario string `json:"scenario"`
}

type turnRequest struct {
	Text string `json:"text"`
}

// ─── POST /calls ──────────────────────────────────────────────────────────────

func StartCall(svc Calls, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req startCallRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
				return
			}
		}

		res, err := svc.Start(r.Context(), calls.StartOptions{Scenario: req.Scenario})
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, res)
	}
}

// ─── GET /calls ───────────────────────────────────────────────────────────────

func ListCalls(svc Calls, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := database.CallFilter{
			Status:   q.Get("status"),
			Scenario: q.Get("scenario"),
		}
		if v := q.Get("verified"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, errorBody{Error: "verified must be true or false"})
				return
			}
			f.Verified = &b
		}
		for name, dst := range map[string]*uint64{"limit": &f.Limit, "offset": &f.Offset} {
			if v := q.Get(name); v != "" {
				n, err := strconv.ParseUint(v, 10, 64)
				if err != nil {
					writeJSON(w, http.StatusBadRequest, errorBody{Error: name + " must be a non-negative integer"})
					return
				}
				*dst = n
			}
		}

		list, err := svc.List(r.Context(), f)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"calls": list})
	}
}

// ─── GET /calls/{id} ──────────────────────────────────────────────────────────

func GetCall(svc Calls, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := svc.Get(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

// ─── POST /calls/{id}/turns ───────────────────────────────────────────────────

func PostTurn(svc Calls, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req turnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
			return
		}

		res, err := svc.Turn(r.Context(), mux.Vars(r)["id"], req.Text)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// ─── POST /calls/{id}/hangup ──────────────────────────────────────────────────

func HangupCall(svc Calls, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Hangup(r.Context(), mux.Vars(r)["id"]); err != nil {
			writeError(w, logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ─── POST /calls/{id}/evaluation ──────────────────────────────────────────────

func EvaluateCall(svc Calls, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ev, err := svc.Evaluate(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, ev)
	}
}
