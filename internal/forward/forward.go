// Package forward builds and issues requests to inference backends.
package forward

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vnmchuo/llm-billing-proxy/config"
)

const errorBodyLimit = 4 << 10

type Options struct {
	// ConnectTimeout bounds dialing and the TLS handshake. Zero means no limit.
	ConnectTimeout time.Duration
	// ReadTimeout bounds each wait for backend bytes, headers included.
	// Zero means no limit.
	ReadTimeout time.Duration
}

// Forwarder issues backend calls over two shared connection pools: one that
// verifies certificates and one used only for backends with verify_ssl off.
type Forwarder struct {
	verified    *http.Client
	insecure    *http.Client
	readTimeout time.Duration
}

func New(opts Options) *Forwarder {
	dialer := &net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	insecure := base.Clone()
	insecure.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // per-backend opt-out

	return &Forwarder{
		verified:    &http.Client{Transport: base},
		insecure:    &http.Client{Transport: insecure},
		readTimeout: opts.ReadTimeout,
	}
}

func (f *Forwarder) client(b config.Backend) *http.Client {
	if b.VerifySSL {
		return f.verified
	}
	return f.insecure
}

// JoinURL appends the caller's path suffix (with its query, if any) to the
// backend base URL.
func JoinURL(base, suffix string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(suffix, "/")
}

// Build prepares the outbound request: model rewrite, body encoding and the
// backend credential.
func (f *Forwarder) Build(ctx context.Context, p Payload, b config.Backend, suffix string) (*http.Request, error) {
	if b.Model != "" {
		if err := p.SetModel(b.Model); err != nil {
			return nil, err
		}
	}

	body, contentType, err := p.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode backend body: %w", err)
	}

	target := JoinURL(b.URL, suffix)
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		if err == nil {
			err = fmt.Errorf("invalid backend url %q", target)
		}
		return nil, &Error{Kind: KindConnect, Backend: b.Name, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindInternal, Backend: b.Name, Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	if b.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.Token)
	}
	return req, nil
}

// Do sends req to b. The call is detached from the caller's cancellation: a
// client that hangs up must not abort the backend exchange it will be billed
// for. Non-2xx replies are returned as KindStatus errors. The caller closes
// the response body.
func (f *Forwarder) Do(req *http.Request, b config.Backend) (*http.Response, error) {
	ctx, cancel := context.WithCancelCause(context.WithoutCancel(req.Context()))

	var timer *time.Timer
	if f.readTimeout > 0 {
		timer = time.AfterFunc(f.readTimeout, func() { cancel(errReadTimeout) })
	}

	resp, err := f.client(b).Do(req.WithContext(ctx))
	if err != nil {
		if timer != nil {
			timer.Stop()
		}
		cause := context.Cause(ctx)
		cancel(nil)
		return nil, &Error{Kind: classify(err, cause, phaseConnect), Backend: b.Name, Err: err}
	}
	if timer != nil {
		timer.Stop()
	}

	resp.Body = &watchedBody{
		rc:      resp.Body,
		ctx:     ctx,
		cancel:  cancel,
		timer:   timer,
		timeout: f.readTimeout,
		backend: b.Name,
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		resp.Body.Close()
		return nil, &Error{Kind: KindStatus, Backend: b.Name, StatusCode: resp.StatusCode, Body: string(snippet)}
	}
	return resp, nil
}

// watchedBody enforces the read timeout per Read and classifies read errors.
type watchedBody struct {
	rc      io.ReadCloser
	ctx     context.Context
	cancel  context.CancelCauseFunc
	timer   *time.Timer
	timeout time.Duration
	backend string
}

func (w *watchedBody) Read(p []byte) (int, error) {
	if w.timer != nil {
		w.timer.Reset(w.timeout)
	}
	n, err := w.rc.Read(p)
	if w.timer != nil {
		w.timer.Stop()
	}
	if err != nil && err != io.EOF {
		return n, &Error{Kind: classify(err, context.Cause(w.ctx), phaseBody), Backend: w.backend, Err: err}
	}
	return n, err
}

func (w *watchedBody) Close() error {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.cancel(nil)
	return w.rc.Close()
}

// CheckBackends probes GET <url>/health on every backend and logs readiness.
// Failures are reported, never fatal.
func (f *Forwarder) CheckBackends(ctx context.Context, backends map[string]config.Backend, log logrus.FieldLogger) {
	for _, name := range sortedKeys(backends) {
		b := backends[name]
		entry := log.WithField("backend", name)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, JoinURL(b.URL, "health"), nil)
		if err != nil {
			entry.WithError(err).Error("backend not ready")
			continue
		}
		resp, err := f.client(b).Do(req)
		if err != nil {
			entry.WithError(err).Error("backend not ready")
			continue
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, errorBodyLimit))
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			entry.Info("backend ready")
		} else {
			entry.WithField("status", resp.Status).Error("backend not ready")
		}
	}
}
