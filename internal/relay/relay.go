// Package relay consumes backend responses: it returns buffered bodies
// untouched, streams server-sent events to the caller frame by frame, and
// extracts the usage figures billing is based on.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

type UsageKind int

const (
	// TokenUsage reads usage.prompt_tokens and usage.completion_tokens.
	TokenUsage UsageKind = iota
	// DurationUsage reads the top-level duration in seconds.
	DurationUsage
)

var (
	ErrInvalidJSON  = errors.New("backend body is not valid JSON")
	ErrMissingUsage = errors.New("backend body carries no usage")
	ErrInvalidUsage = errors.New("backend usage is negative or not a number")
)

type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	Duration         float64
}

// ExtractUsage parses the usage a backend reported in a JSON document.
func ExtractUsage(data []byte, kind UsageKind) (Usage, error) {
	if !gjson.ValidBytes(data) {
		return Usage{}, ErrInvalidJSON
	}

	switch kind {
	case DurationUsage:
		d := gjson.GetBytes(data, "duration")
		if !d.Exists() {
			return Usage{}, ErrMissingUsage
		}
		if d.Type != gjson.Number || d.Float() < 0 {
			return Usage{}, ErrInvalidUsage
		}
		return Usage{Duration: d.Float()}, nil
	default:
		u := gjson.GetBytes(data, "usage")
		if !u.IsObject() {
			return Usage{}, ErrMissingUsage
		}
		prompt := u.Get("prompt_tokens")
		if !prompt.Exists() {
			return Usage{}, ErrMissingUsage
		}
		completion := u.Get("completion_tokens")
		if prompt.Type != gjson.Number || (completion.Exists() && completion.Type != gjson.Number) {
			return Usage{}, ErrInvalidUsage
		}
		if prompt.Int() < 0 || completion.Int() < 0 {
			return Usage{}, ErrInvalidUsage
		}
		return Usage{PromptTokens: prompt.Int(), CompletionTokens: completion.Int()}, nil
	}
}

// ReadBuffered reads the whole body and extracts its usage. The returned bytes
// are exactly what the backend sent.
func ReadBuffered(body io.Reader, kind UsageKind) ([]byte, Usage, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, Usage{}, fmt.Errorf("read backend body: %w", err)
	}
	usage, err := ExtractUsage(data, kind)
	if err != nil {
		return data, Usage{}, err
	}
	return data, usage, nil
}

// IsStream decides between buffered and streaming relay: event-stream bodies
// always stream and JSON bodies never do. Bodies of any other type stream when
// their length is unknown and the caller asked for streaming.
func IsStream(resp *http.Response, requested bool) bool {
	mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch {
	case mt == "text/event-stream":
		return true
	case mt == "application/json", strings.HasSuffix(mt, "+json"):
		return false
	}
	return requested && resp.ContentLength < 0
}

type State int

const (
	// Forwarding relays every frame to the caller.
	Forwarding State = iota
	// DrainOnly keeps reading the backend after the caller went away.
	DrainOnly
	// Done is terminal.
	Done
)

func (s State) String() string {
	switch s {
	case Forwarding:
		return "forwarding"
	case DrainOnly:
		return "drain-only"
	case Done:
		return "done"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// FrameWriter delivers one frame to the caller.
type FrameWriter interface {
	WriteFrame(frame []byte) error
}

type StreamResult struct {
	Usage     Usage
	Frames    int  // frames read from the backend
	Forwarded int  // frames delivered to the caller
	Drained   bool // the caller disconnected and the rest was drained
	Partial   int  // trailing bytes dropped for lack of a delimiter
}

// Stream relays one event stream. It is not safe for concurrent use.
type Stream struct {
	frames *FrameReader
	dst    FrameWriter
	log    logrus.FieldLogger
	state  State
}

func NewStream(src io.Reader, dst FrameWriter, log logrus.FieldLogger) *Stream {
	return &Stream{
		frames: NewFrameReader(src),
		dst:    dst,
		log:    log,
		state:  Forwarding,
	}
}

func (s *Stream) State() State { return s.state }

func (s *Stream) transition(to State) {
	s.log.WithFields(logrus.Fields{"from": s.state, "to": to}).Debug("stream state change")
	s.state = to
}

// Run relays frames until the backend ends the stream. A failed write to the
// caller does not stop reading: the remaining frames are drained so the usage
// trailer is still seen. The returned error is a backend read failure or a
// missing or malformed usage trailer; either way the result must not be
// billed.
func (s *Stream) Run() (StreamResult, error) {
	var res StreamResult
	var last, usageFrame []byte

	for s.state != Done {
		frame, err := s.frames.Next()
		if err != nil {
			s.transition(Done)
			if errors.Is(err, io.EOF) {
				res.Partial = s.frames.Partial()
				break
			}
			return res, fmt.Errorf("read backend stream after %d frames: %w", res.Frames, err)
		}
		res.Frames++

		if s.state == Forwarding {
			if werr := s.dst.WriteFrame(frame); werr != nil {
				s.log.WithError(werr).WithField("frames", res.Forwarded).Info("client disconnected, draining backend stream")
				res.Drained = true
				s.transition(DrainOnly)
			} else {
				res.Forwarded++
			}
		}

		if IsSentinel(frame) {
			if usageFrame == nil {
				usageFrame = last
			}
			continue
		}
		if len(FrameData(frame)) > 0 {
			last = frame
		}
	}

	if usageFrame == nil {
		usageFrame = last
	}
	if usageFrame == nil {
		return res, fmt.Errorf("stream ended without data frames: %w", ErrMissingUsage)
	}

	usage, err := ExtractUsage(FrameData(usageFrame), TokenUsage)
	if err != nil {
		return res, fmt.Errorf("usage trailer: %w", err)
	}
	res.Usage = usage
	return res, nil
}

// RelayStream is shorthand for NewStream(src, dst, log).Run().
func RelayStream(src io.Reader, dst FrameWriter, log logrus.FieldLogger) (StreamResult, error) {
	return NewStream(src, dst, log).Run()
}

// HTTPFrameWriter writes frames to an http.ResponseWriter, flushing each one.
// Once the request context is cancelled every write fails.
type HTTPFrameWriter struct {
	ctx context.Context
	w   http.ResponseWriter
	rc  *http.ResponseController
}

func NewHTTPFrameWriter(ctx context.Context, w http.ResponseWriter) *HTTPFrameWriter {
	return &HTTPFrameWriter{ctx: ctx, w: w, rc: http.NewResponseController(w)}
}

func (h *HTTPFrameWriter) WriteFrame(frame []byte) error {
	if err := h.ctx.Err(); err != nil {
		return err
	}
	if _, err := h.w.Write(frame); err != nil {
		return err
	}
	if err := h.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
