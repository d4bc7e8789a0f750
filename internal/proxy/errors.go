package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/vnmchuo/llm-billing-proxy/internal/auth"
	"github.com/vnmchuo/llm-billing-proxy/internal/forward"
	"github.com/vnmchuo/llm-billing-proxy/internal/ledger"
	"github.com/vnmchuo/llm-billing-proxy/internal/logging"
	"github.com/vnmchuo/llm-billing-proxy/internal/relay"
)

// HTTPError is a request failure with an explicit status and caller-facing
// message.
type HTTPError struct {
	Status  int
	Message string
	Err     error
}

func (e *HTTPError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *HTTPError) Unwrap() error { return e.Err }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// resolveError maps an error from any stage of the pipeline to the status and
// message the caller sees. reason labels authentication failures for metrics.
func resolveError(err error) (status int, message, reason string) {
	var (
		httpErr   *HTTPError
		decodeErr *forward.DecodeError
		fwdErr    *forward.Error
	)

	switch {
	case errors.As(err, &httpErr):
		return httpErr.Status, httpErr.Message, ""
	case errors.Is(err, auth.ErrBadScheme):
		return http.StatusUnauthorized, "Unsupported authorization scheme", "bad_scheme"
	case errors.Is(err, auth.ErrInvalidKey):
		return http.StatusUnauthorized, "Incorrect API key", "invalid_key"
	case errors.Is(err, ErrUnknownModel):
		return http.StatusUnauthorized, "Incorrect model", "unknown_model"
	case errors.Is(err, forward.ErrUnsupportedMediaType):
		return http.StatusUnsupportedMediaType, "Unsupported media type", ""
	case errors.As(err, &decodeErr):
		return http.StatusBadRequest, decodeErr.Error(), ""
	case ledger.IsStorageError(err):
		return http.StatusServiceUnavailable, "Service unavailable", ""
	case errors.As(err, &fwdErr):
		status := fwdErr.Kind.HTTPStatus()
		return status, http.StatusText(status), ""
	case errors.Is(err, relay.ErrInvalidJSON),
		errors.Is(err, relay.ErrMissingUsage),
		errors.Is(err, relay.ErrInvalidUsage):
		return http.StatusInternalServerError, "Backend response carries no usable usage", ""
	default:
		return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError), ""
	}
}

// fail answers a request with the mapped error. A ledger failure additionally
// takes the gateway out of service.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, message, reason := resolveError(err)
	log := h.requestLog(r).WithError(err).WithField("status", status)

	var fwdErr *forward.Error
	switch {
	case ledger.IsStorageError(err) && errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		log.Info("client disconnected during ledger call")
	case ledger.IsStorageError(err):
		h.storageFailure(r, err)
	case errors.As(err, &fwdErr):
		h.metrics.BackendError(fwdErr.Kind.String())
		log.WithField("backend", fwdErr.Backend).Error("backend request failed")
	case reason != "":
		h.metrics.AuthFailure(reason)
		log.Info("request rejected")
	case status >= http.StatusInternalServerError:
		log.Error("request failed")
	default:
		log.Info("request rejected")
	}

	writeJSON(w, status, map[string]string{"error": message})
}

// storageFailure logs a ledger outage as critical, refuses further requests
// and fires the fatal hook once.
func (h *Handler) storageFailure(r *http.Request, err error) {
	logging.Critical(h.requestLog(r)).WithError(err).Error("ledger failure, shutting down")
	h.closing.Store(true)
	h.fatalOnce.Do(func() {
		if h.onFatal != nil {
			h.onFatal(err)
		}
	})
}

func (h *Handler) requestLog(r *http.Request) *logrus.Entry {
	return h.log.WithFields(logrus.Fields{
		"request_id": auth.GetRequestID(r.Context()),
		"path":       r.URL.Path,
	})
}
