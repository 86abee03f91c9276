package repository

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"petchat/pkg/errors"
)

const maxResponseBytes = 4 << 20

// TokenSource returns the bearer token for the current session.
type TokenSource func() string

type RestClientConfig struct {
	BaseURL              string
	Timeout              time.Duration
	RetryInitialInterval time.Duration
	RetryMaxElapsed      time.Duration
}

// RestClient talks to the backend REST API. Network errors and 5xx answers
// are retried with exponential backoff; 4xx answers are final.
type RestClient struct {
	baseURL string
	http    *http.Client
	token   TokenSource
	conf    RestClientConfig
	logger  *zap.Logger
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.status, e.body)
}

func NewRestClient(conf RestClientConfig, token TokenSource, logger *zap.Logger) *RestClient {
	if conf.Timeout <= 0 {
		conf.Timeout = 10 * time.Second
	}
	if conf.RetryInitialInterval <= 0 {
		conf.RetryInitialInterval = 200 * time.Millisecond
	}
	if conf.RetryMaxElapsed <= 0 {
		conf.RetryMaxElapsed = 15 * time.Second
	}
	if token == nil {
		token = func() string { return "" }
	}

	tr := &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		DialContext:     (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	}
	return &RestClient{
		baseURL: strings.TrimRight(conf.BaseURL, "/"),
		http:    &http.Client{Transport: tr, Timeout: conf.Timeout},
		token:   token,
		conf:    conf,
		logger:  logger.Named("rest"),
	}
}

func (c *RestClient) get(ctx context.Context, path, resource string, out any) error {
	return c.do(ctx, http.MethodGet, path, resource, out)
}

func (c *RestClient) put(ctx context.Context, path, resource string) error {
	return c.do(ctx, http.MethodPut, path, resource, nil)
}

func (c *RestClient) do(ctx context.Context, method, path, resource string, out any) error {
	var body []byte
	attempts := 0

	operation := func() error {
		attempts++
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if token := c.token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode >= 500:
			return &statusError{status: resp.StatusCode, body: string(data)}
		case resp.StatusCode >= 400:
			return backoff.Permanent(&statusError{status: resp.StatusCode, body: string(data)})
		}
		body = data
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.conf.RetryInitialInterval
	b.MaxElapsedTime = c.conf.RetryMaxElapsed

	notify := func(err error, wait time.Duration) {
		c.logger.Debug("retrying request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		c.logger.Warn("request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return mapError(resource, err)
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.Internal(fmt.Sprintf("Failed to decode %s", resource), err)
	}
	return nil
}

func mapError(resource string, err error) error {
	var se *statusError
	if !stderrors.As(err, &se) {
		return errors.ServiceUnavailable("Backend unreachable", err)
	}
	switch se.status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errors.Unauthorized("Session rejected by backend", err)
	case http.StatusNotFound:
		return errors.NotFound(resource, err)
	default:
		return errors.Internal(fmt.Sprintf("Failed to load %s", resource), err)
	}
}
