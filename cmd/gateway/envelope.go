package main

import (
	"net/http"

	"gridkeep/internal/apierr"
)

// errorEnvelope is the structured, always-2xx failure shape spec.md §4.8/§7
// mandates for BackendUnreachable, BackendError, and RateLimited: the
// gateway treats the backend as an eventual-consistency peer and never
// leaks a 5xx or 429 to the caller for these kinds.
type errorEnvelope struct {
	Message  string      `json:"message"`
	DBHealth interface{} `json:"db_health"`
}

// writeEnvelopeOrStatus writes the §7 2xx envelope for the backend/rate-limit
// kinds, and otherwise propagates the mapped HTTP status (auth failures
// stay 401/403, per spec.md §7).
func writeEnvelopeOrStatus(w http.ResponseWriter, err error, dbHealth interface{}) {
	apiErr, ok := apierr.As(err)
	if !ok {
		apiErr = apierr.New(apierr.Fatal, err.Error())
	}

	switch apiErr.Kind {
	case apierr.BackendUnreachable, apierr.BackendError, apierr.Transient, apierr.RateLimited:
		writeJSON(w, http.StatusOK, errorEnvelope{Message: "ERROR", DBHealth: dbHealth})
	default:
		writeJSON(w, apierr.HTTPStatus(apiErr.Kind), map[string]string{"error": apiErr.Message})
	}
}
