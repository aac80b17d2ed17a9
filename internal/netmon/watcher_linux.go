//go:build linux

package netmon

import (
	"context"
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
)

type linuxWatcher struct {
	mu sync.Mutex
	up map[string]struct{}
}

// NewWatcher creates a Linux-specific watcher using netlink.
func NewWatcher() Watcher {
	return &linuxWatcher{
		up: make(map[string]struct{}),
	}
}

func (w *linuxWatcher) Start(ctx context.Context, callback func(LinkEvent)) error {
	linkCh := make(chan netlink.LinkUpdate)
	linkDone := make(chan struct{})

	addrCh := make(chan netlink.AddrUpdate)
	addrDone := make(chan struct{})

	if err := netlink.LinkSubscribe(linkCh, linkDone); err != nil {
		return fmt.Errorf("subscribe to link updates: %w", err)
	}

	if err := netlink.AddrSubscribe(addrCh, addrDone); err != nil {
		close(linkDone)
		return fmt.Errorf("subscribe to address updates: %w", err)
	}

	defer close(linkDone)
	defer close(addrDone)

	w.seed()
	log.Debug("Linux link watcher initialized")

	for {
		select {
		case <-ctx.Done():
			return nil

		case update, ok := <-linkCh:
			if !ok {
				return fmt.Errorf("netlink link subscription closed")
			}
			w.handleLinkUpdate(update, callback)

		case update, ok := <-addrCh:
			if !ok {
				return fmt.Errorf("netlink address subscription closed")
			}
			w.handleAddrUpdate(update, callback)
		}
	}
}

// seed records which interfaces are already up so the first update for
// them is not reported as a change.
func (w *linuxWatcher) seed() {
	interfaces, err := net.Interfaces()
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, iface := range interfaces {
		if relevant(&iface) && iface.Flags&net.FlagUp != 0 {
			w.up[iface.Name] = struct{}{}
		}
	}
}

func (w *linuxWatcher) handleLinkUpdate(update netlink.LinkUpdate, callback func(LinkEvent)) {
	attrs := update.Link.Attrs()
	if attrs.Flags&net.FlagLoopback != 0 {
		return
	}

	isUp := attrs.Flags&net.FlagUp != 0 && attrs.OperState != netlink.OperDown

	w.mu.Lock()
	_, wasUp := w.up[attrs.Name]
	if isUp {
		w.up[attrs.Name] = struct{}{}
	} else {
		delete(w.up, attrs.Name)
	}
	w.mu.Unlock()

	switch {
	case isUp && !wasUp:
		callback(LinkEvent{Type: LinkUp, InterfaceName: attrs.Name})
	case !isUp && wasUp:
		callback(LinkEvent{Type: LinkDown, InterfaceName: attrs.Name})
	}
}

func (w *linuxWatcher) handleAddrUpdate(update netlink.AddrUpdate, callback func(LinkEvent)) {
	if update.LinkAddress.IP.To4() == nil {
		return
	}

	iface, err := net.InterfaceByIndex(update.LinkIndex)
	if err != nil {
		log.WithError(err).WithField("index", update.LinkIndex).Trace("Failed to get interface by index")
		return
	}
	if !relevant(iface) {
		return
	}

	log.WithFields(log.Fields{
		"interface": iface.Name,
		"address":   update.LinkAddress.String(),
		"new":       update.NewAddr,
	}).Trace("Address update")

	callback(LinkEvent{Type: AddressChanged, InterfaceName: iface.Name})
}
