package api

import (
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/artlounge/chat-app/internal/apperr"
	"github.com/artlounge/chat-app/internal/logging"
)

// errorBody is the JSON shape of every API error.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Kind    string `json:"kind"`
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Error().Err(err).Msg("failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Debug().Err(err).Msg("failed to write JSON response")
	}
}

func respondError(w http.ResponseWriter, err error) {
	e := apperr.As(err)
	msg := e.Message
	switch e.Kind {
	case apperr.KindInternal:
		logging.Error().Err(err).Msg("api internal error")
		msg = "internal error"
	case apperr.KindPersistence:
		logging.Warn().Err(err).Str("code", e.Code).Msg("api persistence error")
	case apperr.KindRateLimited:
		if e.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(e.RetryAfter.Seconds())))
		}
	}
	respondJSON(w, apperr.HTTPStatus(err), errorBody{Code: e.Code, Message: msg, Kind: string(e.Kind)})
}

// decodeBody reads a JSON request body of at most limit bytes into v.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validation(apperr.CodeInvalidRequest, "request body is not valid JSON")
	}
	return nil
}
