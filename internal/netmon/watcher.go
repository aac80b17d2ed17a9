package netmon

import (
	"context"
	"net"
)

// Watcher reports network interface changes using platform-specific
// event mechanisms (netlink on Linux, route sockets on macOS).
type Watcher interface {
	// Start calls callback for each detected change and blocks until
	// ctx is cancelled or an error occurs.
	Start(ctx context.Context, callback func(LinkEvent)) error
}

// relevant filters out interfaces that cannot carry Internet traffic.
func relevant(iface *net.Interface) bool {
	return iface.Flags&net.FlagLoopback == 0
}
