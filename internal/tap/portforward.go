package tap

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// portForwardProto selects which protocol(s) a forward binds.
type portForwardProto int

const (
	portForwardBoth portForwardProto = iota
	portForwardTCP
	portForwardUDP
)

// portForward is one parsed entry of the grammar spec §6 defines:
// "[tcp/|udp/]host_addr=guest_addr". Host or guest may specify only a
// port; an empty guest host rewrites to the synthetic guest address.
type portForward struct {
	proto     portForwardProto
	hostHost  string
	hostPort  uint16
	guestPort uint16
}

// ParsePortForward parses one port-forward specifier.
func ParsePortForward(spec string) (portForward, error) {
	proto := portForwardBoth
	rest := spec
	switch {
	case strings.HasPrefix(spec, "tcp/"):
		proto, rest = portForwardTCP, spec[len("tcp/"):]
	case strings.HasPrefix(spec, "udp/"):
		proto, rest = portForwardUDP, spec[len("udp/"):]
	}

	parts := strings.SplitN(rest, "=", 2)
	if len(parts) != 2 {
		return portForward{}, fmt.Errorf("tap: missing '=' in port forward %q", spec)
	}
	hostHost, hostPort, err := splitAddrPort(parts[0])
	if err != nil {
		return portForward{}, fmt.Errorf("tap: host side of %q: %w", spec, err)
	}
	_, guestPort, err := splitAddrPort(parts[1])
	if err != nil {
		return portForward{}, fmt.Errorf("tap: guest side of %q: %w", spec, err)
	}
	if hostPort == 0 || guestPort == 0 {
		return portForward{}, fmt.Errorf("tap: port forward %q must name both ports", spec)
	}

	return portForward{proto: proto, hostHost: hostHost, hostPort: hostPort, guestPort: guestPort}, nil
}

// splitAddrPort accepts either "host:port" or a bare "port".
func splitAddrPort(s string) (host string, port uint16, err error) {
	if s == "" {
		return "", 0, nil
	}
	if !strings.Contains(s, ":") {
		v, err := strconv.ParseUint(s, 10, 16)
		if err != nil {
			return "", 0, fmt.Errorf("parse port %q: %w", s, err)
		}
		return "", uint16(v), nil
	}
	h, p, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, err
	}
	v, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("parse port %q: %w", p, err)
	}
	return h, uint16(v), nil
}

// bindPortForward opens the host-side listener(s)/socket(s) for pf.
// Binding a privileged host port surfaces net.Listen's own error as the
// "diagnostic" spec §6 calls for, rather than masking it.
func (d *Device) bindPortForward(pf portForward) error {
	if pf.proto == portForwardBoth || pf.proto == portForwardTCP {
		if err := d.bindTCPPortForward(pf); err != nil {
			return fmt.Errorf("tap: bind tcp port forward %s:%d: %w", pf.hostHost, pf.hostPort, err)
		}
	}
	if pf.proto == portForwardBoth || pf.proto == portForwardUDP {
		if err := d.bindUDPPortForward(pf); err != nil {
			return fmt.Errorf("tap: bind udp port forward %s:%d: %w", pf.hostHost, pf.hostPort, err)
		}
	}
	return nil
}

func (d *Device) bindUDPPortForward(pf portForward) error {
	addr := &net.UDPAddr{IP: net.ParseIP(pf.hostHost), Port: int(pf.hostPort)}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return err
	}
	ctx := &udpSocketCtx{dev: d, guestSrc: pf.guestPort, conn: conn}
	d.mu.Lock()
	d.udp[pf.guestPort] = ctx
	d.mu.Unlock()
	d.wg.Add(1)
	go d.udpReadLoop(ctx)
	return nil
}
