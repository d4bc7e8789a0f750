package forward

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	mediaJSON      = "application/json"
	mediaMultipart = "multipart/form-data"

	// DefaultMaxMemory is the part of a multipart body kept in memory; the
	// rest spills to temporary files.
	DefaultMaxMemory = 32 << 20
)

var ErrUnsupportedMediaType = errors.New("unsupported media type")

// DecodeError reports a caller body that could not be parsed. Format names
// the body encoding, "JSON" or "Form".
type DecodeError struct {
	Format string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s decode error: %v", e.Format, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Payload is an inbound request body on its way to a backend.
type Payload interface {
	Model() string
	SetModel(model string) error
	// Encode returns the outbound body and its Content-Type.
	Encode() ([]byte, string, error)
}

// DecodeRequest reads the request body according to its Content-Type.
func DecodeRequest(r *http.Request) (Payload, error) {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, ErrUnsupportedMediaType
	}

	switch mt {
	case mediaJSON:
		return DecodeJSON(r.Body)
	case mediaMultipart:
		return DecodeMultipart(r, DefaultMaxMemory)
	default:
		return nil, ErrUnsupportedMediaType
	}
}

// JSONPayload keeps the caller's JSON object as raw bytes and edits single
// fields in place, leaving everything else as sent.
type JSONPayload struct {
	raw []byte
}

func DecodeJSON(r io.Reader) (*JSONPayload, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, &DecodeError{Format: "JSON", Err: err}
	}
	if obj == nil {
		return nil, &DecodeError{Format: "JSON", Err: errors.New("body must be a JSON object")}
	}
	return &JSONPayload{raw: data}, nil
}

func NewJSONPayload(raw []byte) *JSONPayload {
	return &JSONPayload{raw: raw}
}

func (p *JSONPayload) Get(path string) gjson.Result {
	return gjson.GetBytes(p.raw, path)
}

func (p *JSONPayload) Set(path string, value any) error {
	raw, err := sjson.SetBytes(p.raw, path, value)
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	p.raw = raw
	return nil
}

// Model returns the "model" field, or "" when it is absent or not a string.
func (p *JSONPayload) Model() string {
	m := p.Get("model")
	if m.Type != gjson.String {
		return ""
	}
	return m.Str
}

func (p *JSONPayload) SetModel(model string) error {
	return p.Set("model", model)
}

func (p *JSONPayload) Encode() ([]byte, string, error) {
	return p.raw, mediaJSON, nil
}

// FormPayload is a parsed multipart form.
type FormPayload struct {
	Values map[string][]string
	Files  map[string][]*multipart.FileHeader
}

func DecodeMultipart(r *http.Request, maxMemory int64) (*FormPayload, error) {
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		return nil, &DecodeError{Format: "Form", Err: err}
	}
	return &FormPayload{
		Values: r.MultipartForm.Value,
		Files:  r.MultipartForm.File,
	}, nil
}

// Get returns the first value of a plain field.
func (p *FormPayload) Get(key string) string {
	if vs := p.Values[key]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func (p *FormPayload) Has(key string) bool {
	return len(p.Values[key]) > 0
}

func (p *FormPayload) Set(key, value string) {
	if p.Values == nil {
		p.Values = map[string][]string{}
	}
	p.Values[key] = []string{value}
}

func (p *FormPayload) Model() string { return p.Get("model") }

func (p *FormPayload) SetModel(model string) error {
	p.Set("model", model)
	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// Encode re-assembles the form: plain fields first, then file parts, each
// group ordered by field name. Values of a repeated field keep their order.
// File parts keep their file name and declared content type.
func (p *FormPayload) Encode() ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	for _, key := range sortedKeys(p.Values) {
		for _, v := range p.Values[key] {
			if err := mw.WriteField(key, v); err != nil {
				return nil, "", err
			}
		}
	}

	for _, key := range sortedKeys(p.Files) {
		for _, fh := range p.Files[key] {
			if err := writeFilePart(mw, key, fh); err != nil {
				return nil, "", err
			}
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

func writeFilePart(mw *multipart.Writer, field string, fh *multipart.FileHeader) error {
	contentType := fh.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(field), quoteEscaper.Replace(fh.Filename)))
	h.Set("Content-Type", contentType)

	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}

	f, err := fh.Open()
	if err != nil {
		return fmt.Errorf("open upload %s: %w", fh.Filename, err)
	}
	defer f.Close()

	_, err = io.Copy(part, f)
	return err
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
