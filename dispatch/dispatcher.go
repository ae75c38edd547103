package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/marcelsud/webhook-redrive/delivery"
	"github.com/marcelsud/webhook-redrive/webhook"
)

const (
	DefaultMaxBodyExcerpt = 4096
	drainLimit            = 64 << 10
)

// Result is the classified outcome of one HTTP call
type Result struct {
	Response     delivery.Response
	Outcome      delivery.Outcome
	Latency      time.Duration
	ErrorMessage string
}

/* Dispatcher performs exactly one outbound HTTP call per invocation
 * It never retries internally: retry decisions belong to the scheduler
 */
type Dispatcher struct {
	client     *http.Client
	encoder    Encoder
	maxExcerpt int
	logger     zerolog.Logger
	now        func() time.Time

	attempts metric.Int64Counter
	latency  metric.Float64Histogram
}

// Option configures the Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient sets the HTTP client; redirects are disabled on it
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		d.client = client
	}
}

// WithProduct sets the product name advertised in the User-Agent
func WithProduct(product string) Option {
	return func(d *Dispatcher) {
		d.encoder = NewEncoder(product)
	}
}

// WithMaxBodyExcerpt sets how many response body bytes are kept
func WithMaxBodyExcerpt(n int) Option {
	return func(d *Dispatcher) {
		d.maxExcerpt = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// NewDispatcher creates a dispatcher
func NewDispatcher(opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		client:     &http.Client{},
		encoder:    NewEncoder(DefaultProduct),
		maxExcerpt: DefaultMaxBodyExcerpt,
		logger:     zerolog.Nop(),
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(d)
	}

	// Redirects are reported as client errors, never followed
	client := *d.client
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	d.client = &client

	meter := otel.Meter("github.com/marcelsud/webhook-redrive/dispatch")

	var err error
	d.attempts, err = meter.Int64Counter(
		"webhook.delivery.attempts",
		metric.WithDescription("Number of outbound delivery attempts by outcome"),
		metric.WithUnit("{attempts}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating attempts counter: %w", err)
	}

	d.latency, err = meter.Float64Histogram(
		"webhook.delivery.latency",
		metric.WithDescription("Latency of outbound delivery attempts"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating latency histogram: %w", err)
	}

	return d, nil
}

// Encoder returns the encoder used for outbound requests
func (d *Dispatcher) Encoder() Encoder {
	return d.encoder
}

// Attempt encodes and sends the next attempt of a delivery
// The returned Attempt is always populated, whatever the outcome
func (d *Dispatcher) Attempt(ctx context.Context, dl delivery.Delivery, wh webhook.Webhook) delivery.Attempt {
	attempt := delivery.Attempt{
		DeliveryID: dl.ID,
		Number:     dl.AttemptNumber + 1,
		SentAt:     d.now(),
	}

	req, err := d.encoder.Encode(dl, wh, attempt.Number)
	if err != nil {
		attempt.Outcome = delivery.OutcomeClientError
		attempt.ErrorMessage = fmt.Sprintf("encoding request: %v", err)
		return attempt
	}
	attempt.Request = req

	result := d.Send(ctx, req, wh.Timeout())
	attempt.Response = result.Response
	attempt.Outcome = result.Outcome
	attempt.Latency = result.Latency
	attempt.ErrorMessage = result.ErrorMessage

	return attempt
}

// Send performs one HTTP call and classifies its result
func (d *Dispatcher) Send(ctx context.Context, req delivery.Request, timeout time.Duration) Result {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return d.observe(ctx, Result{
			Outcome:      delivery.OutcomeNetworkError,
			ErrorMessage: fmt.Sprintf("building request: %v", err),
		})
	}
	for name, value := range req.Headers {
		httpReq.Header.Set(name, value)
	}

	start := time.Now()
	resp, err := d.client.Do(httpReq)
	latency := time.Since(start)

	if err != nil {
		outcome := delivery.OutcomeNetworkError
		if isTimeout(err) {
			outcome = delivery.OutcomeTimeout
		}
		return d.observe(ctx, Result{
			Outcome:      outcome,
			Latency:      latency,
			ErrorMessage: err.Error(),
		})
	}
	defer resp.Body.Close()

	excerpt, err := io.ReadAll(io.LimitReader(resp.Body, int64(d.maxExcerpt)))
	if err != nil {
		d.logger.Debug().Err(err).Str("url", req.URL).Msg("reading response body")
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, drainLimit))

	result := Result{
		Response: delivery.Response{
			StatusCode: resp.StatusCode,
			Headers:    flatten(resp.Header),
			Body:       string(excerpt),
		},
		Outcome: delivery.ClassifyStatusCode(resp.StatusCode),
		Latency: latency,
	}
	if result.Outcome != delivery.OutcomeSuccess {
		result.ErrorMessage = fmt.Sprintf("unexpected status %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	return d.observe(ctx, result)
}

func (d *Dispatcher) observe(ctx context.Context, r Result) Result {
	// The request context may be done; metrics must still be recorded
	ctx = context.WithoutCancel(ctx)
	attrs := metric.WithAttributes(attribute.String("outcome", r.Outcome.String()))
	d.attempts.Add(ctx, 1, attrs)
	d.latency.Record(ctx, float64(r.Latency)/float64(time.Millisecond), attrs)
	return r
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func flatten(h http.Header) map[string]string {
	headers := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}
	return headers
}
