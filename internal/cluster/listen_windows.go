//go:build windows

package cluster

import (
	"context"
	"net"
)

// Listen opens a plain TCP listener. Windows has no SO_REUSEPORT; a cluster
// there needs an external balancer in front of per-worker ports.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", addr)
}
