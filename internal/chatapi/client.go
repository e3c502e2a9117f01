package chatapi

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/support-chat/internal/api/dto"
	"github.com/spec-kit/support-chat/internal/config"
	"github.com/spec-kit/support-chat/internal/observability"
	apperrors "github.com/spec-kit/support-chat/pkg/util/errorutil"
)

// Config controls the REST client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// ConfigFromChat builds a client Config from the chat configuration.
func ConfigFromChat(cfg config.ChatConfig) Config {
	return Config{
		BaseURL: cfg.APIBaseURL,
		Token:   cfg.Token,
		Timeout: cfg.RequestTimeout(),
	}
}

// Client talks to the chat REST endpoints under the API base path. A call
// returns as soon as its context is done; the abandoned request is left to
// finish within the client timeout.
type Client struct {
	baseURL string
	token   string
	timeout time.Duration
	logger  *zap.Logger
	metrics *observability.Metrics
}

// New creates a client.
func New(cfg Config, logger *zap.Logger, metrics *observability.Metrics) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		timeout: timeout,
		logger:  observability.OrNop(logger).With(zap.String("component", "chatapi")),
		metrics: metrics,
	}
}

type request struct {
	method string
	path   string
	query  url.Values
	body   interface{}
}

// do performs one request and decodes the envelope into out. The envelope's
// error member, or the status line when there is none, becomes a DomainError.
func (c *Client) do(ctx context.Context, req request, out interface{}) (*dto.Pagination, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewUnavailable("request cancelled", err)
	}
	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	target := c.baseURL + req.path
	if len(req.query) > 0 {
		target += "?" + req.query.Encode()
	}

	agent := fiber.AcquireAgent()
	agent.Request().Header.SetMethod(req.method)
	agent.Request().SetRequestURI(target)
	if err := agent.Parse(); err != nil {
		fiber.ReleaseAgent(agent)
		return nil, apperrors.NewUnavailable("invalid request url", err)
	}
	agent.Set(fiber.HeaderAccept, fiber.MIMEApplicationJSON)
	if c.token != "" {
		agent.Set(fiber.HeaderAuthorization, "Bearer "+c.token)
	}
	if req.body != nil {
		agent.JSON(req.body)
	}
	agent.Timeout(timeout)

	start := time.Now()
	done := make(chan agentResult, 1)
	go func() {
		status, body, errs := agent.Bytes()
		done <- agentResult{status: status, body: body, errs: errs}
	}()
	var res agentResult
	select {
	case res = <-done:
	case <-ctx.Done():
		c.metrics.RecordRequest(req.path, req.method, 0, time.Since(start))
		c.logger.Debug("chat api request abandoned",
			zap.String("method", req.method),
			zap.String("path", req.path),
			zap.Error(ctx.Err()))
		return nil, apperrors.NewUnavailable("request cancelled", ctx.Err())
	}
	status, body, errs := res.status, res.body, res.errs
	c.metrics.RecordRequest(req.path, req.method, status, time.Since(start))
	if len(errs) > 0 {
		c.logger.Warn("chat api request failed",
			zap.String("method", req.method),
			zap.String("path", req.path),
			zap.Errors("errors", errs))
		return nil, apperrors.NewUnavailable("unable to reach chat service", errs[0])
	}

	var envelope dto.Envelope[json.RawMessage]
	if len(body) > 0 {
		if err := json.Unmarshal(body, &envelope); err != nil && status < 300 {
			return nil, apperrors.NewInternalError(err)
		}
	}
	if status >= 300 || envelope.Error != nil {
		return nil, decodeError(status, envelope.Error)
	}
	if out != nil {
		if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
			return nil, apperrors.NewInternalError(errMissingData)
		}
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return nil, apperrors.NewInternalError(err)
		}
	}
	return envelope.Pagination, nil
}

type agentResult struct {
	status int
	body   []byte
	errs   []error
}

func decodeError(status int, body *dto.ErrorBody) error {
	if body == nil {
		return apperrors.FromStatus(status, "")
	}
	domainErr := apperrors.FromStatus(status, body.Message)
	if body.Code != "" {
		domainErr.Code = body.Code
	}
	domainErr.Details = body.Details
	return domainErr
}
