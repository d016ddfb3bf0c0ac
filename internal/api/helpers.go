package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"coordd/internal/models"
)

// response is the envelope for every API result. Status carries one of the
// result codes from the command-surface contract.
type response struct {
	Status models.ResultCode `json:"status"`
	Data   any               `json:"data,omitempty"`
	Error  string            `json:"error,omitempty"`
}

func writeResult(w http.ResponseWriter, httpStatus int, code models.ResultCode, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(response{Status: code, Data: data})
}

func writeError(w http.ResponseWriter, httpStatus int, code models.ResultCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(response{Status: code, Error: msg})
}

// writeFailure maps the error taxonomy to result codes. internal_error is
// retryable; validation errors are not.
func writeFailure(w http.ResponseWriter, err error) {
	switch {
	case models.IsValidation(err):
		writeError(w, http.StatusBadRequest, models.ResultValidationError, err.Error())
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, models.ResultNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, models.ResultInternalError, err.Error())
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
