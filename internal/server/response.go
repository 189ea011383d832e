package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"teamchat/internal/api"
	"teamchat/internal/docstore"
)

const maxBodySize = 1 << 20

func decodeJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodySize))
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, api.ErrorResponse{Error: err.Error()})
}

// writeStoreError maps document store sentinels onto status codes.
func writeStoreError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, docstore.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, docstore.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, docstore.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, err)
}
