package connectivity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// DefaultTarget is the reference host probed for Internet reachability.
const DefaultTarget = "8.8.8.8"

// DefaultProbeDeadline bounds how long an ICMPProber keeps its socket
// open. It is longer than ProbeTimeout so an abandoned probe can still
// deliver a late answer.
const DefaultProbeDeadline = 10 * time.Second

var (
	ErrUnreachable   = errors.New("destination unreachable")
	ErrProbeDeadline = errors.New("no echo reply before deadline")
)

// Prober performs a single reachability check. A nil error means the
// target answered.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// ICMPProber sends one ICMP echo request per probe.
//
// With Privileged set it uses a raw socket, which needs root or
// CAP_NET_RAW. Otherwise it uses an unprivileged ICMP datagram socket,
// which on Linux requires the gid to be inside net.ipv4.ping_group_range.
type ICMPProber struct {
	Target     string
	Privileged bool
	Deadline   time.Duration

	seq atomic.Uint32
}

func NewICMPProber(target string, privileged bool) *ICMPProber {
	return &ICMPProber{
		Target:     target,
		Privileged: privileged,
		Deadline:   DefaultProbeDeadline,
	}
}

func (p *ICMPProber) Probe(ctx context.Context) error {
	ip := net.ParseIP(p.Target).To4()
	if ip == nil {
		return fmt.Errorf("invalid IPv4 target %q", p.Target)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	network := "udp4"
	var dst net.Addr = &net.UDPAddr{IP: ip}
	if p.Privileged {
		network = "ip4:icmp"
		dst = &net.IPAddr{IP: ip}
	}

	conn, err := icmp.ListenPacket(network, "0.0.0.0")
	if err != nil {
		return fmt.Errorf("open icmp socket: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	// a closed socket after ctx ends reports as ctx's error
	fail := func(format string, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf(format, err)
	}

	deadline := time.Now().Add(p.deadline())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return fail("set deadline: %w", err)
	}

	id := os.Getpid() & 0xffff
	seq := int(p.seq.Add(1) & 0xffff)
	req, err := echoRequest(id, seq)
	if err != nil {
		return err
	}
	if _, err := conn.WriteTo(req, dst); err != nil {
		return fail("send echo: %w", err)
	}

	// Datagram sockets get a kernel-assigned identifier, so only the
	// sequence number can be matched there.
	matchID := -1
	if p.Privileged {
		matchID = id
	}

	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return ErrProbeDeadline
			}
			return fmt.Errorf("read reply: %w", err)
		}

		done, err := parseReply(buf[:n], addrIP(peer), ip, matchID, seq)
		if done {
			log.WithFields(log.Fields{
				"peer": peer.String(),
				"seq":  seq,
			}).Trace("ICMP reply")
			return err
		}
	}
}

func (p *ICMPProber) deadline() time.Duration {
	if p.Deadline <= 0 {
		return DefaultProbeDeadline
	}
	return p.Deadline
}

func echoRequest(id, seq int) ([]byte, error) {
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   id,
			Seq:  seq,
			Data: []byte("netwatchd"),
		},
	}
	b, err := msg.Marshal(nil)
	if err != nil {
		return nil, fmt.Errorf("marshal echo: %w", err)
	}
	return b, nil
}

// parseReply inspects one received ICMP message from src. done is false
// when the message belongs to someone else and reading should continue.
// Echo replies must come from target; unreachable errors may come from
// any router on the path. An id of -1 matches any identifier.
func parseReply(b []byte, src, target net.IP, id, seq int) (done bool, err error) {
	msg, err := icmp.ParseMessage(ipv4.ICMPTypeEcho.Protocol(), b)
	if err != nil {
		return false, nil
	}

	switch msg.Type {
	case ipv4.ICMPTypeEchoReply:
		echo, ok := msg.Body.(*icmp.Echo)
		if !ok || echo.Seq != seq || (id >= 0 && echo.ID != id) || !src.Equal(target) {
			return false, nil
		}
		return true, nil
	case ipv4.ICMPTypeDestinationUnreachable:
		du, ok := msg.Body.(*icmp.DstUnreach)
		if !ok || !quotesEcho(du.Data, id, seq) {
			return false, nil
		}
		return true, ErrUnreachable
	default:
		return false, nil
	}
}

func addrIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.IPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	default:
		return nil
	}
}

// quotesEcho reports whether the original datagram quoted in an ICMP
// error (IPv4 header plus the first 8 bytes of payload) is our request.
func quotesEcho(data []byte, id, seq int) bool {
	if len(data) < ipv4.HeaderLen {
		return false
	}
	hl := int(data[0]&0x0f) << 2
	if hl < ipv4.HeaderLen || len(data) < hl+8 {
		return false
	}
	echo := data[hl : hl+8]
	if echo[0] != byte(ipv4.ICMPTypeEcho) {
		return false
	}
	gotID := int(echo[4])<<8 | int(echo[5])
	gotSeq := int(echo[6])<<8 | int(echo[7])
	return gotSeq == seq && (id < 0 || gotID == id)
}
