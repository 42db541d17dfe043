//go:build !linux

package acceptor

import (
	"context"
	"net"

	"github.com/marmos91/dittogw/internal/logger"
)

// listen falls back to the standard listener, which does not expose the
// backlog; the platform default applies.
func listen(config Config) (net.Listener, error) {
	logger.Debug("Listen backlog %d is not configurable on this platform", config.Backlog)

	var lc net.ListenConfig
	return lc.Listen(context.Background(), "tcp", config.Address())
}
