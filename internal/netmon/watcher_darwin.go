//go:build darwin

package netmon

import (
	"context"
	"encoding/binary"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Routing message types we care about
const (
	rtmNewAddr = 0x0c // RTM_NEWADDR - address added
	rtmDelAddr = 0x0d // RTM_DELADDR - address removed
	rtmIfInfo  = 0x0e // RTM_IFINFO - interface up/down
)

type darwinWatcher struct {
	mu sync.Mutex
	up map[int]string // interface index -> name, for usable interfaces
}

// NewWatcher creates a macOS-specific watcher using AF_ROUTE sockets.
func NewWatcher() Watcher {
	return &darwinWatcher{
		up: make(map[int]string),
	}
}

func (w *darwinWatcher) Start(ctx context.Context, callback func(LinkEvent)) error {
	fd, err := unix.Socket(unix.AF_ROUTE, unix.SOCK_RAW, unix.AF_UNSPEC)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		unix.Close(fd)
	}()

	w.seed()
	log.Debug("Darwin link watcher initialized")

	buf := make([]byte, 4096)

	for {
		n, err := unix.Read(fd, buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				log.WithError(err).Warn("Error reading from route socket")
				continue
			}
		}

		if n < 14 {
			continue
		}

		// if_msghdr / ifa_msghdr layout:
		// - bytes 0-1: msglen
		// - byte 2: version
		// - byte 3: type
		// - bytes 4-7: addrs
		// - bytes 8-11: flags
		// - bytes 12-13: interface index
		msgType := buf[3]
		if msgType != rtmIfInfo && msgType != rtmNewAddr && msgType != rtmDelAddr {
			continue
		}

		ifIndex := int(binary.LittleEndian.Uint16(buf[12:14]))
		if ifIndex == 0 {
			continue
		}

		var ifFlags uint32
		if msgType == rtmIfInfo {
			ifFlags = binary.LittleEndian.Uint32(buf[8:12])
		}

		log.WithFields(log.Fields{
			"msgType": msgType,
			"ifIndex": ifIndex,
			"flags":   ifFlags,
		}).Trace("Received interface event")

		w.handleInterfaceEvent(ifIndex, msgType, ifFlags, callback)
	}
}

func (w *darwinWatcher) handleInterfaceEvent(index int, msgType byte, ifFlags uint32, callback func(LinkEvent)) {
	// IFF_UP is 0x1 in BSD
	if msgType == rtmIfInfo && ifFlags&0x1 == 0 {
		w.markDown(index, callback)
		return
	}

	iface, err := net.InterfaceByIndex(index)
	if err != nil {
		w.markDown(index, callback)
		return
	}
	if !relevant(iface) {
		return
	}
	if iface.Flags&net.FlagUp == 0 {
		w.markDown(index, callback)
		return
	}

	w.mu.Lock()
	_, wasUp := w.up[index]
	w.up[index] = iface.Name
	w.mu.Unlock()

	switch {
	case !wasUp:
		callback(LinkEvent{Type: LinkUp, InterfaceName: iface.Name})
	case msgType == rtmNewAddr || msgType == rtmDelAddr:
		callback(LinkEvent{Type: AddressChanged, InterfaceName: iface.Name})
	}
}

func (w *darwinWatcher) markDown(index int, callback func(LinkEvent)) {
	w.mu.Lock()
	name, wasUp := w.up[index]
	delete(w.up, index)
	w.mu.Unlock()

	if wasUp {
		log.WithField("interface", name).Debug("Interface removed or down")
		callback(LinkEvent{Type: LinkDown, InterfaceName: name})
	}
}

func (w *darwinWatcher) seed() {
	interfaces, err := net.Interfaces()
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, iface := range interfaces {
		if relevant(&iface) && iface.Flags&net.FlagUp != 0 && hasIPv4Address(&iface) {
			w.up[iface.Index] = iface.Name
		}
	}
}

func hasIPv4Address(iface *net.Interface) bool {
	addrs, err := iface.Addrs()
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.To4() != nil {
			return true
		}
	}
	return false
}
