package remote

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/imroc/req/v3"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout applies when Invoke is called without a timeout
	DefaultTimeout = 30 * time.Second

	userAgent       = "bragsync/1.0"
	maxBodyInErrors = 120
)

// Invoker issues a single named operation and returns the response data payload
type Invoker interface {
	Invoke(ctx context.Context, op Operation, params Params, timeout time.Duration) (gjson.Result, error)
}

// Observer receives one observation per finished request
type Observer interface {
	ObserveRequest(op string, result string, duration time.Duration)
}

// Config contains client configuration
type Config struct {
	URL            string
	Nonce          string
	NonceField     string
	ActionPrefix   string
	DefaultTimeout time.Duration
}

// Client implements Invoker against a WordPress admin-ajax endpoint
type Client struct {
	cfg      Config
	http     *req.Client
	observer Observer
	logger   *zap.Logger
}

var _ Invoker = (*Client)(nil)

// NewClient creates a remote operation client. observer may be nil.
func NewClient(cfg Config, observer Observer, logger *zap.Logger) *Client {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.NonceField == "" {
		cfg.NonceField = "nonce"
	}

	// Per-call deadlines come from the request context, not the client.
	httpClient := req.C().
		SetUserAgent(userAgent).
		SetTimeout(0).
		SetCommonRetryCount(0).
		SetCommonHeader("Accept", "application/json")

	return &Client{
		cfg:      cfg,
		http:     httpClient,
		observer: observer,
		logger:   logger.With(zap.String("component", "remote")),
	}
}

// Invoke posts the operation with params and the nonce, racing the request
// against timeout. The underlying request is aborted when the timeout fires.
func (c *Client) Invoke(ctx context.Context, op Operation, params Params, timeout time.Duration) (gjson.Result, error) {
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	form := make(map[string]string, len(params)+2)
	for k, v := range params {
		form[k] = v
	}
	form["action"] = op.Action(c.cfg.ActionPrefix)
	form[c.cfg.NonceField] = c.cfg.Nonce

	start := time.Now()
	resp, err := c.http.R().
		SetContext(reqCtx).
		SetFormData(form).
		Post(c.cfg.URL)

	data, opErr := c.classify(ctx, reqCtx, op, timeout, resp, err)
	c.observe(op, opErr, time.Since(start))
	if opErr != nil {
		c.logger.Debug("Operation failed",
			zap.String("operation", string(op)),
			zap.Duration("duration", time.Since(start)),
			zap.Error(opErr),
		)
		return gjson.Result{}, opErr
	}

	c.logger.Debug("Operation succeeded",
		zap.String("operation", string(op)),
		zap.Duration("duration", time.Since(start)),
	)
	return data, nil
}

func (c *Client) classify(ctx, reqCtx context.Context, op Operation, timeout time.Duration, resp *req.Response, err error) (gjson.Result, *OperationError) {
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return gjson.Result{}, &OperationError{Kind: KindTimeout, Op: op, Timeout: timeout, Err: err}
		}
		return gjson.Result{}, &OperationError{Kind: KindTransport, Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return gjson.Result{}, &OperationError{Kind: KindTransport, Op: op, Status: resp.StatusCode}
	}

	return parseEnvelope(op, resp.Bytes())
}

func (c *Client) observe(op Operation, err *OperationError, d time.Duration) {
	if c.observer == nil {
		return
	}
	result := "success"
	if err != nil {
		result = err.Kind.String()
	}
	c.observer.ObserveRequest(string(op), result, d)
}

// parseEnvelope unwraps {success, data}. A missing message on failure is an
// empty string, and a body that is not an envelope counts as a rejection.
func parseEnvelope(op Operation, body []byte) (gjson.Result, *OperationError) {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, unexpectedBody(op, body)
	}

	env := gjson.ParseBytes(body)
	if !env.IsObject() {
		return gjson.Result{}, unexpectedBody(op, body)
	}

	data := env.Get("data")
	if !env.Get("success").Bool() {
		return gjson.Result{}, &OperationError{Kind: KindRejected, Op: op, Message: failureMessage(data)}
	}

	return data, nil
}

func failureMessage(data gjson.Result) string {
	switch {
	case data.IsObject():
		return data.Get("message").String()
	case data.Type == gjson.String:
		return data.String()
	default:
		return ""
	}
}

func unexpectedBody(op Operation, body []byte) *OperationError {
	text := string(body)
	if utf8.RuneCountInString(text) > maxBodyInErrors {
		text = string([]rune(text)[:maxBodyInErrors]) + "..."
	}
	return &OperationError{Kind: KindRejected, Op: op, Message: "unexpected response: " + text}
}
