package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/llm-billing-proxy/config"
	"github.com/vnmchuo/llm-billing-proxy/internal/auth"
	"github.com/vnmchuo/llm-billing-proxy/internal/billing"
	"github.com/vnmchuo/llm-billing-proxy/internal/forward"
	"github.com/vnmchuo/llm-billing-proxy/internal/ledger"
	"github.com/vnmchuo/llm-billing-proxy/internal/metrics"
	"github.com/vnmchuo/llm-billing-proxy/internal/relay"
)

type Options struct {
	Log     *logrus.Logger
	Tracer  trace.Tracer
	Metrics *metrics.Registry
	// ExposeMetrics serves the registry on GET /metrics.
	ExposeMetrics bool
	// Origin is sent as Access-Control-Allow-Origin.
	Origin string
	// OnFatal is called once, on the first ledger failure.
	OnFatal func(error)
}

type Handler struct {
	router   *Router
	fwd      *forward.Forwarder
	recorder *billing.Recorder

	log           *logrus.Logger
	tracer        trace.Tracer
	metrics       *metrics.Registry
	exposeMetrics bool
	origin        string
	onFatal       func(error)

	closing   atomic.Bool
	fatalOnce sync.Once
}

func NewHandler(router *Router, fwd *forward.Forwarder, recorder *billing.Recorder, opts Options) *Handler {
	h := &Handler{
		router:        router,
		fwd:           fwd,
		recorder:      recorder,
		log:           opts.Log,
		tracer:        opts.Tracer,
		metrics:       opts.Metrics,
		exposeMetrics: opts.ExposeMetrics,
		origin:        opts.Origin,
		onFatal:       opts.OnFatal,
	}
	if h.log == nil {
		h.log = logrus.New()
		h.log.SetOutput(io.Discard)
	}
	if h.tracer == nil {
		h.tracer = noop.NewTracerProvider().Tracer("llm-billing-proxy")
	}
	if h.metrics == nil {
		h.metrics = metrics.New()
	}
	return h
}

// Closing reports whether a ledger failure has taken the gateway out of
// service.
func (h *Handler) Closing() bool {
	return h.closing.Load()
}

// HandleChat serves /v1/chat/completions and /v1/completions. Streaming
// callers get stream_options.include_usage forced on so the backend reports
// usage in its last data frame.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "proxy.chat")
	defer span.End()
	r = r.WithContext(ctx)

	body, err := h.decodeJSON(r)
	if err != nil {
		h.failSpan(w, r, span, err)
		return
	}

	stream := body.Get("stream").Bool()
	if stream {
		if err := body.Set("stream_options.include_usage", true); err != nil {
			h.failSpan(w, r, span, &HTTPError{Status: http.StatusBadRequest, Message: "Invalid stream_options", Err: err})
			return
		}
	}

	backend, resp, err := h.forward(r, span, body)
	if err != nil {
		h.failSpan(w, r, span, err)
		return
	}
	defer resp.Body.Close()

	if relay.IsStream(resp, stream) {
		h.relayStream(w, r, span, resp, backend)
		return
	}
	h.relayBuffered(w, r, span, resp, backend, relay.TokenUsage, billing.ChatLines)
}

func (h *Handler) HandleEmbeddings(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "proxy.embeddings")
	defer span.End()
	r = r.WithContext(ctx)

	body, err := h.decodeJSON(r)
	if err != nil {
		h.failSpan(w, r, span, err)
		return
	}

	backend, resp, err := h.forward(r, span, body)
	if err != nil {
		h.failSpan(w, r, span, err)
		return
	}
	defer resp.Body.Close()

	h.relayBuffered(w, r, span, resp, backend, relay.TokenUsage, billing.EmbeddingLines)
}

var transcriptionFormats = map[string]bool{"json": true, "verbose_json": true}

// HandleTranscriptions forwards a multipart upload with response_format
// forced to verbose_json, the only format that reports the audio duration.
func (h *Handler) HandleTranscriptions(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "proxy.transcriptions")
	defer span.End()
	r = r.WithContext(ctx)

	payload, err := forward.DecodeRequest(r)
	if err != nil {
		h.failSpan(w, r, span, err)
		return
	}
	form, ok := payload.(*forward.FormPayload)
	if !ok {
		h.failSpan(w, r, span, forward.ErrUnsupportedMediaType)
		return
	}

	if form.Has("response_format") && !transcriptionFormats[form.Get("response_format")] {
		h.failSpan(w, r, span, &HTTPError{
			Status:  http.StatusUnprocessableEntity,
			Message: "response_format must be one of: json, verbose_json",
		})
		return
	}
	form.Set("response_format", "verbose_json")

	backend, resp, err := h.forward(r, span, form)
	if err != nil {
		h.failSpan(w, r, span, err)
		return
	}
	defer resp.Body.Close()

	h.relayBuffered(w, r, span, resp, backend, relay.DurationUsage, billing.TranscriptionLines)
}

type modelEntry struct {
	ID      string  `json:"id"`
	Object  string  `json:"object"`
	Created *int64  `json:"created"`
	OwnedBy *string `json:"owned_by"`
	Device  *string `json:"device"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	backends := h.router.Backends()
	list := modelList{Object: "list", Data: make([]modelEntry, 0, len(backends))}
	for _, b := range backends {
		e := modelEntry{ID: b.Name, Object: "model"}
		if b.Device != "" {
			device := b.Device
			e.Device = &device
		}
		list.Data = append(list.Data, e)
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) decodeJSON(r *http.Request) (*forward.JSONPayload, error) {
	payload, err := forward.DecodeRequest(r)
	if err != nil {
		return nil, err
	}
	body, ok := payload.(*forward.JSONPayload)
	if !ok {
		return nil, forward.ErrUnsupportedMediaType
	}
	if h.log.IsLevelEnabled(logrus.DebugLevel) {
		raw, _, _ := body.Encode()
		h.requestLog(r).WithField("body", string(raw)).Debug("frontend request body")
	}
	return body, nil
}

// forward resolves the backend for the payload's model and performs the
// backend call. The caller closes the response body.
func (h *Handler) forward(r *http.Request, span trace.Span, p forward.Payload) (config.Backend, *http.Response, error) {
	backend, err := h.router.Resolve(p.Model())
	if err != nil {
		return config.Backend{}, nil, err
	}
	span.SetAttributes(
		attribute.String("request_id", auth.GetRequestID(r.Context())),
		attribute.String("model", backend.Name),
		attribute.String("device", backend.Device),
	)

	req, err := h.fwd.Build(r.Context(), p, backend, r.URL.RequestURI())
	if err != nil {
		return backend, nil, err
	}
	h.requestLog(r).WithFields(logrus.Fields{"backend": backend.Name, "url": req.URL.String()}).Debug("sending backend request")

	resp, err := h.fwd.Do(req, backend)
	if err != nil {
		return backend, nil, err
	}
	return backend, resp, nil
}

func (h *Handler) relayBuffered(w http.ResponseWriter, r *http.Request, span trace.Span, resp *http.Response,
	backend config.Backend, kind relay.UsageKind, lines func(relay.Usage) []billing.Line) {
	data, usage, err := relay.ReadBuffered(resp.Body, kind)
	if err != nil {
		h.failSpan(w, r, span, err)
		return
	}
	if h.log.IsLevelEnabled(logrus.DebugLevel) {
		h.requestLog(r).WithField("body", string(data)).Debug("backend response body")
	}

	if err := h.bill(r, backend, lines(usage)); err != nil {
		h.failSpan(w, r, span, err)
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(data)
}

// relayStream streams the backend's events to the caller and bills the usage
// of the last data frame. Once a frame has reached the caller, failures can
// only be logged.
func (h *Handler) relayStream(w http.ResponseWriter, r *http.Request, span trace.Span, resp *http.Response, backend config.Backend) {
	log := h.requestLog(r).WithField("backend", backend.Name)

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/event-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")

	res, err := relay.RelayStream(resp.Body, relay.NewHTTPFrameWriter(r.Context(), w), log)
	if res.Drained {
		h.metrics.StreamDrained()
	}
	if res.Partial > 0 {
		log.WithField("bytes", res.Partial).Warn("dropped unterminated trailing frame")
	}
	if err != nil {
		if res.Forwarded == 0 && !res.Drained {
			h.failSpan(w, r, span, err)
			return
		}
		var fwdErr *forward.Error
		if errors.As(err, &fwdErr) {
			h.metrics.BackendError(fwdErr.Kind.String())
		}
		span.SetStatus(codes.Error, err.Error())
		log.WithError(err).WithField("frames", res.Frames).Error("stream relay failed, exchange not billed")
		return
	}

	if err := h.bill(r, backend, billing.ChatLines(res.Usage)); err != nil {
		span.SetStatus(codes.Error, err.Error())
		if ledger.IsStorageError(err) {
			h.storageFailure(r, err)
			return
		}
		log.WithError(err).Error("billing failed")
	}
}

// bill records the exchange. It runs detached from the caller's context: a
// caller that hung up is still billed.
func (h *Handler) bill(r *http.Request, backend config.Backend, lines []billing.Line) error {
	ctx := context.WithoutCancel(r.Context())
	acct := auth.GetAccount(ctx)
	if acct == nil {
		return errors.New("no authenticated account in request context")
	}

	if err := h.recorder.Record(ctx, acct.ID, backend, auth.GetRequestID(ctx), lines...); err != nil {
		return err
	}

	fields := logrus.Fields{"backend": backend.Name, "account_id": acct.ID}
	for _, l := range lines {
		fields[string(l.Phase)] = l.Quantity
	}
	h.requestLog(r).WithFields(fields).Info("client usage recorded")
	return nil
}

func (h *Handler) failSpan(w http.ResponseWriter, r *http.Request, span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	h.fail(w, r, err)
}
