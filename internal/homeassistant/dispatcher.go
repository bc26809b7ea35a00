package homeassistant

import (
	"context"
	"errors"
	"log/slog"
)

// Dispatcher routes service calls over the WebSocket when it is
// connected and over REST otherwise. A WebSocket call that fails for
// connection reasons is retried once over REST; an error reported by
// Home Assistant itself is returned as is.
type Dispatcher struct {
	rest   *Client
	ws     *WSClient
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher. ws may be nil.
func NewDispatcher(rest *Client, ws *WSClient, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{rest: rest, ws: ws, logger: logger}
}

// CallService calls domain.service with data and an optional target.
func (d *Dispatcher) CallService(ctx context.Context, domain, service string, data, target map[string]any) error {
	if d.ws != nil && d.ws.IsConnected() {
		err := d.ws.CallService(ctx, domain, service, data, target)
		if err == nil {
			return nil
		}
		var svcErr *ServiceError
		if errors.As(err, &svcErr) || ctx.Err() != nil {
			return err
		}
		d.logger.Warn("websocket service call failed, falling back to REST",
			"service", domain+"."+service,
			"error", err,
		)
	}
	return d.rest.CallService(ctx, domain, service, data, target)
}
