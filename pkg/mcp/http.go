package mcp

import (
	"context"
	"io"
	"net/http"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"

	"github.com/jingkaihe/capsule/pkg/logger"
	"github.com/jingkaihe/capsule/pkg/types/capabilities"
)

func (m *Manager) startHTTP(ctx context.Context, def *capabilities.MCPServerDef) (*Session, error) {
	if def.URL == "" {
		return nil, &StartError{Kind: StartInvalid, Server: def.Name, Err: errors.New("http server has no url")}
	}
	if err := m.probe(ctx, def, m.probeAttempts); err != nil {
		return nil, err
	}
	return &Session{URL: def.URL}, nil
}

// probe checks that def.URL answers. Any response below 500 counts, since
// MCP endpoints commonly reject a bare HEAD or GET with a 4xx.
func (m *Manager) probe(ctx context.Context, def *capabilities.MCPServerDef, attempts uint) error {
	err := retry.Do(
		func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
			defer cancel()

			status, err := m.request(attemptCtx, http.MethodHead, def)
			if err == nil && status == http.StatusMethodNotAllowed {
				status, err = m.request(attemptCtx, http.MethodGet, def)
			}
			if err != nil {
				return err
			}
			if status >= http.StatusInternalServerError {
				return errors.Errorf("server answered %d %s", status, http.StatusText(status))
			}
			return nil
		},
		retry.Attempts(attempts),
		retry.Delay(m.probeDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.G(ctx).WithError(err).WithField("attempt", n+1).WithField("max_attempts", attempts).Debug("retrying mcp server probe")
		}),
	)
	if err != nil {
		return &StartError{Kind: StartUnreachable, Server: def.Name, Err: err}
	}
	return nil
}

func (m *Manager) request(ctx context.Context, method string, def *capabilities.MCPServerDef) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, def.URL, nil)
	if err != nil {
		return 0, retry.Unrecoverable(errors.Wrap(err, "failed to build probe request"))
	}
	for k, v := range def.Headers {
		req.Header.Set(k, v)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}
