package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/aperio-dev/aperio/internal/jobserr"
)

// errorBody is the client-visible shape for every non-2xx response:
// the error kind's name plus a short reason, taken unchanged from the
// error's Detail (no path redaction is applied).
type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// statusForKind maps a closed error kind onto its HTTP status, per the
// taxonomy: input errors 400, NotFound 404, NotInExpectedState 409,
// QueueFull 503, dependency errors 500/503. Anything else is an
// internal failure the client cannot act on.
func statusForKind(k jobserr.Kind) int {
	switch k {
	case jobserr.KindInvalidURL, jobserr.KindInvalidJobID, jobserr.KindInvalidPagination:
		return http.StatusBadRequest
	case jobserr.KindNotFound:
		return http.StatusNotFound
	case jobserr.KindNotInExpectedState:
		return http.StatusConflict
	case jobserr.KindQueueFull:
		return http.StatusServiceUnavailable
	case jobserr.KindDownloaderMissing, jobserr.KindEncoderMissing, jobserr.KindStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as the standard error body, choosing the
// status from its jobserr.Kind. A plain (non-*jobserr.Error) error is
// treated as an opaque internal failure and never echoes its message
// to the client.
func writeError(w http.ResponseWriter, err error) {
	je, ok := jobserr.As(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Unknown"})
		return
	}
	writeJSON(w, statusForKind(je.Kind), errorBody{Error: je.Kind.String(), Reason: je.Detail})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
