package agentgate

import (
	"log/slog"

	"github.com/gorilla/websocket"
)

// Option customizes a Client.
type Option func(*Client)

// WithMaxRetries bounds reconnection attempts after a connection drop. A
// negative value retries forever, which is the default.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithLogger replaces the client's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithDialer replaces the WebSocket dialer, e.g. to pin TLS configuration.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}
