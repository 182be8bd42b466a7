package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aether-os/aether/internal/kerrors"
	"github.com/aether-os/aether/internal/proc"
)

// Version is stamped on every response as X-Aether-Version.
const Version = "0.4.0"

type listMeta struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func setCommonHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Aether-Version", Version)
}

// writeData writes a single-item success envelope.
func writeData(w http.ResponseWriter, status int, data any) {
	setCommonHeaders(w)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"data": data})
}

// writeList writes a list envelope with pagination meta.
func writeList(w http.ResponseWriter, data any, total, limit, offset int) {
	setCommonHeaders(w)
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"data": data,
		"meta": listMeta{Total: total, Limit: limit, Offset: offset},
	})
}

// writeErr maps an error to its envelope. Taxonomy errors keep their code
// and status; everything else is a generic 500.
func writeErr(w http.ResponseWriter, err error) {
	if errors.Is(err, proc.ErrQueued) {
		// Queued spawns are reported as a distinct outcome, not a failure.
		writeData(w, http.StatusAccepted, map[string]any{"queued": true})
		return
	}
	var ke *kerrors.Error
	if errors.As(err, &ke) {
		writeErrCode(w, kerrors.HTTPStatus(ke.Code), string(ke.Code), ke.Message)
		return
	}
	writeErrCode(w, http.StatusInternalServerError, "INTERNAL", "internal error")
}

func writeErrCode(w http.ResponseWriter, status int, code, message string) {
	setCommonHeaders(w)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
