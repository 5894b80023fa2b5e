package alpaca

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// TransportConfig carries the ambient inputs named in the external
// interfaces section: user agent, timeouts, retry policy, compression
// and TLS verification toggles. Parsing these from a config file is out
// of scope for this package — callers construct the struct directly.
type TransportConfig struct {
	UserAgent             string
	Timeout               time.Duration
	KeepAlive             time.Duration
	MaxConnections        int
	MaxRetries            int
	EnableCompression     bool
	EnableSSLVerification bool
}

func (c TransportConfig) withDefaults() TransportConfig {
	if c.UserAgent == "" {
		c.UserAgent = "skyrelay-alpaca-client/1"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 10
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

// Metrics is the atomically-updated counter set for a Transport.
type Metrics struct {
	RequestsSent       int64
	RequestsSuccessful int64
	RequestsFailed     int64
	BytesIn            int64
	BytesOut           int64
	avgLatencyNanos    int64 // EWMA, stored as int64 nanoseconds for atomic access
}

// Snapshot returns a point-in-time copy of the counters.
func (m *Metrics) Snapshot() Metrics {
	return Metrics{
		RequestsSent:       atomic.LoadInt64(&m.RequestsSent),
		RequestsSuccessful: atomic.LoadInt64(&m.RequestsSuccessful),
		RequestsFailed:     atomic.LoadInt64(&m.RequestsFailed),
		BytesIn:            atomic.LoadInt64(&m.BytesIn),
		BytesOut:           atomic.LoadInt64(&m.BytesOut),
		avgLatencyNanos:    atomic.LoadInt64(&m.avgLatencyNanos),
	}
}

// AverageLatency returns the EWMA response time.
func (m *Metrics) AverageLatency() time.Duration {
	return time.Duration(atomic.LoadInt64(&m.avgLatencyNanos))
}

func (m *Metrics) observe(sample time.Duration) {
	for {
		old := atomic.LoadInt64(&m.avgLatencyNanos)
		var next int64
		if old == 0 {
			next = int64(sample)
		} else {
			next = (7*old + int64(sample)) / 8
		}
		if atomic.CompareAndSwapInt64(&m.avgLatencyNanos, old, next) {
			return
		}
	}
}

// Transport turns a logical Alpaca operation into an HTTP round-trip
// against the protocol's URL and envelope conventions. An attempt that
// fails with TimeoutError is retried with exponential backoff, up to
// MaxRetries attempts in all; any other failure is returned at once.
type Transport struct {
	cfg         TransportConfig
	pool        *Pool
	logger      *zap.Logger
	clientID    int32
	transaction int32
	metrics     Metrics
	onMetrics   func(Metrics)
}

// NewTransport builds a Transport with its own connection pool.
func NewTransport(cfg TransportConfig, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Transport{
		cfg:      cfg,
		pool:     NewPool(cfg.MaxConnections, cfg.KeepAlive, logger),
		logger:   logger.With(zap.String("component", "alpaca_transport")),
		clientID: 1,
	}
}

// OnMetrics registers a callback invoked after every request with the
// updated metrics snapshot (used to mirror counters into OpenTelemetry).
func (t *Transport) OnMetrics(fn func(Metrics)) { t.onMetrics = fn }

// nextTransactionID returns a strictly increasing 32-bit client
// transaction id, wrapping at 2^31 per the data model.
func (t *Transport) nextTransactionID() int32 {
	for {
		old := atomic.LoadInt32(&t.transaction)
		next := old + 1
		if next < 0 { // would overflow int32 into the sign bit: wrap to 1
			next = 1
		}
		if atomic.CompareAndSwapInt32(&t.transaction, old, next) {
			return next
		}
	}
}

// buildURL constructs the Alpaca v3 endpoint for a device operation.
func buildURL(d DeviceDescriptor, endpoint string) string {
	scheme := "http"
	if d.TLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d/api/v3/%s/%d/%s", scheme, d.Host, d.Port, d.Kind, d.DeviceNumber, endpoint)
}

func formEncodeValue(v any) string {
	switch x := v.(type) {
	case bool:
		if x {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', 6, 32)
	case float64:
		return strconv.FormatFloat(x, 'f', 6, 64)
	case string:
		return x
	default:
		b, _ := json.Marshal(x)
		return string(b)
	}
}

// PerformRequest executes one Alpaca HTTP request: GET for property
// reads, PUT/POST for writes and method invocations. params becomes the
// query string for GET and a urlencoded form body otherwise.
func (t *Transport) PerformRequest(ctx context.Context, verb string, d DeviceDescriptor, endpoint string, params map[string]any) (*Response, error) {
	start := time.Now()
	atomic.AddInt64(&t.metrics.RequestsSent, 1)

	form := url.Values{}
	form.Set("ClientID", strconv.Itoa(int(t.clientID)))
	form.Set("ClientTransactionID", strconv.Itoa(int(t.nextTransactionID())))
	for k, v := range params {
		form.Set(k, formEncodeValue(v))
	}

	target := buildURL(d, endpoint)
	if verb == http.MethodGet {
		target += "?" + form.Encode()
	}

	var retryErr error
	var resp *Response
	maxAttempts := t.cfg.MaxRetries
	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, retryErr = t.doOnce(ctx, verb, d, target, form)
		if retryErr == nil {
			atomic.AddInt64(&t.metrics.RequestsSuccessful, 1)
			t.metrics.observe(time.Since(start))
			if t.onMetrics != nil {
				t.onMetrics(t.metrics.Snapshot())
			}
			return resp, nil
		}
		if apiErr, ok := retryErr.(*APIError); ok && apiErr.Kind == TimeoutError {
			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(1<<uint(attempt)) * 50 * time.Millisecond):
			}
			if ctx.Err() != nil {
				break
			}
			continue
		}
		break
	}
	atomic.AddInt64(&t.metrics.RequestsFailed, 1)
	if t.onMetrics != nil {
		t.onMetrics(t.metrics.Snapshot())
	}
	return nil, retryErr
}

func (t *Transport) doOnce(ctx context.Context, verb string, d DeviceDescriptor, target string, form url.Values) (*Response, error) {
	raw, _, status, err := t.roundTrip(ctx, verb, d, target, form)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &APIError{Kind: kindForHTTPStatus(status), Message: http.StatusText(status)}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &APIError{Kind: ParseError, Message: err.Error()}
	}

	return &Response{
		Value:               env.Value,
		ClientTransactionID: env.ClientTransactionID,
		ServerTransactionID: env.ServerTransactionID,
		ErrorNumber:         env.ErrorNumber,
		ErrorMessage:        env.ErrorMessage,
		ReceivedAt:          time.Now(),
	}, nil
}

// performRawRequest is the image-array codec's entry point: it performs
// the HTTP round-trip without assuming a JSON envelope, since imagearray
// may negotiate a binary application/imagebytes payload instead.
func (t *Transport) performRawRequest(ctx context.Context, verb string, d DeviceDescriptor, endpoint string, params map[string]any) (*Response, []byte, string, error) {
	form := url.Values{}
	form.Set("ClientID", strconv.Itoa(int(t.clientID)))
	form.Set("ClientTransactionID", strconv.Itoa(int(t.nextTransactionID())))
	for k, v := range params {
		form.Set(k, formEncodeValue(v))
	}
	target := buildURL(d, endpoint)
	if verb == http.MethodGet {
		target += "?" + form.Encode()
	}

	raw, contentType, status, err := t.roundTrip(ctx, verb, d, target, form)
	if err != nil {
		return nil, nil, "", err
	}
	if status != http.StatusOK {
		return nil, nil, "", &APIError{Kind: kindForHTTPStatus(status), Message: http.StatusText(status)}
	}
	return nil, raw, contentType, nil
}

// roundTrip performs exactly one HTTP request over a pooled stream and
// returns the raw body bytes, negotiated content type and status code.
func (t *Transport) roundTrip(ctx context.Context, verb string, d DeviceDescriptor, target string, form url.Values) ([]byte, string, int, error) {
	var body io.Reader
	if verb != http.MethodGet {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, verb, target, body)
	if err != nil {
		return nil, "", 0, &APIError{Kind: ParseError, Message: err.Error()}
	}
	req.Header.Set("Host", d.Host)
	req.Header.Set("User-Agent", t.cfg.UserAgent)
	if verb != http.MethodGet {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if t.cfg.EnableCompression {
		req.Header.Set("Accept-Encoding", "gzip, deflate")
	}

	stream, err := t.pool.Acquire(ctx, d.Host, d.Port, d.TLS)
	if err != nil {
		return nil, "", 0, err
	}

	deadline, hasDeadline := ctx.Deadline()
	if !hasDeadline {
		deadline = time.Now().Add(t.cfg.Timeout)
	}
	_ = stream.conn.SetDeadline(deadline)

	if err := req.Write(stream.conn); err != nil {
		t.pool.Retire(stream)
		return nil, "", 0, &APIError{Kind: NetworkError, Message: err.Error()}
	}

	httpResp, err := http.ReadResponse(bufio.NewReader(stream.conn), req)
	if err != nil {
		t.pool.Retire(stream)
		if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
			return nil, "", 0, &APIError{Kind: TimeoutError, Message: err.Error()}
		}
		return nil, "", 0, &APIError{Kind: NetworkError, Message: err.Error()}
	}
	defer func() { _ = httpResp.Body.Close() }()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		t.pool.Retire(stream)
		return nil, "", 0, &APIError{Kind: NetworkError, Message: err.Error()}
	}
	atomic.AddInt64(&t.metrics.BytesOut, int64(len(form.Encode())))
	atomic.AddInt64(&t.metrics.BytesIn, int64(len(raw)))

	if httpResp.Close {
		t.pool.Retire(stream)
	} else {
		t.pool.Release(stream)
	}

	return raw, httpResp.Header.Get("Content-Type"), httpResp.StatusCode, nil
}

// Close releases all pooled connections.
func (t *Transport) Close() { t.pool.Close() }
