package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// OutboundSSESpec configures a connection to a remote MCP server speaking
// the SSE transport.
type OutboundSSESpec struct {
	URL     string
	Headers map[string]string
}

// OutboundSSE opens a GET event stream to a remote MCP server, reads the
// initial "endpoint" event to learn where to POST, and thereafter correlates
// POSTed requests with responses that arrive asynchronously over the stream.
type OutboundSSE struct {
	spec       OutboundSSESpec
	httpClient *http.Client
	sseClient  *http.Client

	mu      sync.Mutex
	postURL string
	sseBody io.ReadCloser
	closed  bool

	inbox chan []byte
	errCh chan error
}

// DialOutboundSSE opens the stream and blocks until the endpoint event has
// been received (or ctx is done / the stream errors first).
func DialOutboundSSE(ctx context.Context, spec OutboundSSESpec) (*OutboundSSE, error) {
	o := &OutboundSSE{
		spec:       spec,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		sseClient:  &http.Client{Timeout: 0},
		inbox:      make(chan []byte, 32),
		errCh:      make(chan error, 1),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: build sse request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	applyHeaders(req, spec.Headers)

	resp, err := o.sseClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: connect sse %s: %w", spec.URL, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &TransportReset{URL: spec.URL, HTTPStatus: resp.StatusCode, Err: fmt.Errorf("%s", string(body))}
	}
	o.sseBody = resp.Body

	endpoint, rest, err := readEndpointEvent(resp.Body)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("transport: read sse endpoint event: %w", err)
	}
	o.postURL = resolveEndpoint(spec.URL, endpoint)

	go o.pump(rest)
	return o, nil
}

// readEndpointEvent consumes lines up to and including the first
// "event: endpoint" / "data: ..." pair and returns the data plus a scanner
// positioned to continue reading the remaining stream.
func readEndpointEvent(body io.Reader) (endpoint string, scanner *bufio.Scanner, err error) {
	scanner = bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	sawEndpointEvent := false
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			sawEndpointEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:")) == "endpoint"
		case strings.HasPrefix(line, "data:") && sawEndpointEvent:
			return strings.TrimSpace(strings.TrimPrefix(line, "data:")), scanner, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", nil, err
	}
	return "", nil, fmt.Errorf("stream ended before endpoint event")
}

// resolveEndpoint turns the server-issued endpoint (often a path-only URL)
// into an absolute URL against the original SSE URL's origin.
func resolveEndpoint(sseURL, endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	idx := strings.Index(sseURL[len("https://"):], "/")
	schemeLen := len("https://")
	if strings.HasPrefix(sseURL, "http://") {
		schemeLen = len("http://")
	}
	idx = strings.Index(sseURL[schemeLen:], "/")
	origin := sseURL
	if idx >= 0 {
		origin = sseURL[:schemeLen+idx]
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return origin + endpoint
}

func (o *OutboundSSE) pump(scanner *bufio.Scanner) {
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		o.inbox <- []byte(data)
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	o.errCh <- err
	close(o.inbox)
}

func (o *OutboundSSE) Inbound() <-chan []byte { return o.inbox }
func (o *OutboundSSE) Err() <-chan error      { return o.errCh }

// Send POSTs one frame to the server-issued message endpoint. The 2xx
// acknowledges receipt only; the actual response arrives over the SSE
// stream, correlated by id.
func (o *OutboundSSE) Send(ctx context.Context, frame []byte) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	postURL := o.postURL
	o.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL, bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("transport: build post: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	applyHeaders(req, o.spec.Headers)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return &TransportReset{URL: postURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &TransportReset{URL: postURL, HTTPStatus: resp.StatusCode}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return &TransportReset{URL: postURL, HTTPStatus: resp.StatusCode, Err: fmt.Errorf("%s", string(body))}
	}
	return nil
}

func (o *OutboundSSE) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	if o.sseBody != nil {
		return o.sseBody.Close()
	}
	return nil
}

// applyHeaders sets the caller's configured headers on req, then folds in
// Authorization: Bearer <token> from API_ACCESS_TOKEN when the caller didn't
// already set Authorization explicitly.
func applyHeaders(req *http.Request, headers map[string]string) {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Authorization") == "" {
		if token := os.Getenv("API_ACCESS_TOKEN"); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
}
