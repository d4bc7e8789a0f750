package forward

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Kind classifies backend failures. Each kind maps to exactly one caller
// status, see HTTPStatus.
type Kind int

const (
	KindInternal Kind = iota
	KindConnectTimeout
	KindReadTimeout
	KindConnectRefused
	KindConnect
	KindTransfer
	KindStatus
)

func (k Kind) String() string {
	switch k {
	case KindConnectTimeout:
		return "connect_timeout"
	case KindReadTimeout:
		return "read_timeout"
	case KindConnectRefused:
		return "connect_refused"
	case KindConnect:
		return "connect"
	case KindTransfer:
		return "transfer"
	case KindStatus:
		return "status"
	default:
		return "internal"
	}
}

func (k Kind) HTTPStatus() int {
	switch k {
	case KindConnectTimeout, KindReadTimeout:
		return http.StatusGatewayTimeout
	case KindConnectRefused, KindConnect, KindTransfer, KindStatus:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified backend failure.
type Error struct {
	Kind    Kind
	Backend string
	// StatusCode and Body are set for KindStatus.
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	if e.Kind == KindStatus {
		return fmt.Sprintf("backend %q returned %d: %s", e.Backend, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("backend %q %s error: %v", e.Backend, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var errReadTimeout = errors.New("backend read timed out")

type phase int

const (
	phaseConnect phase = iota // until response headers arrive
	phaseBody
)

// classify maps a transport error to a Kind. cause is the cancellation cause
// of the outbound request context, if any.
func classify(err, cause error, p phase) Kind {
	if errors.Is(cause, errReadTimeout) {
		return KindReadTimeout
	}

	if p == phaseBody {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return KindReadTimeout
		}
		return KindTransfer
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		switch {
		case opErr.Timeout():
			return KindConnectTimeout
		case errors.Is(err, syscall.ECONNREFUSED):
			return KindConnectRefused
		default:
			return KindConnect
		}
	}

	// TLS handshake timeouts surface as a plain net.Error.
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindConnectTimeout
	}

	var (
		dnsErr      *net.DNSError
		verifyErr   *tls.CertificateVerificationError
		authErr     x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		invalidErr  x509.CertificateInvalidError
		recordErr   tls.RecordHeaderError
		alertErr    tls.AlertError
		addrErr     *net.AddrError
		unknownNetw net.UnknownNetworkError
	)
	switch {
	case errors.As(err, &dnsErr),
		errors.As(err, &verifyErr),
		errors.As(err, &authErr),
		errors.As(err, &hostErr),
		errors.As(err, &invalidErr),
		errors.As(err, &recordErr),
		errors.As(err, &alertErr),
		errors.As(err, &addrErr),
		errors.As(err, &unknownNetw):
		return KindConnect
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return KindTransfer
	}
	if errors.As(err, &opErr) {
		// read/write on an established connection
		return KindTransfer
	}
	// net/http reports bad framing only through the message text.
	if msg := err.Error(); strings.Contains(msg, "malformed") || strings.Contains(msg, "transport connection broken") {
		return KindTransfer
	}

	return KindInternal
}
