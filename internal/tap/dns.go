package tap

import (
	"net"
	"time"

	"github.com/miekg/dns"
)

// dnsQueryTimeout bounds how long a single upstream DNS exchange may take
// before the guest's query is simply left unanswered (it will retry).
const dnsQueryTimeout = 5 * time.Second

// handleDNS answers a UDP:53 query addressed to the gateway (the TAP's
// embedded DNS responder, spec §6 "the gateway doubles as ... the DNS
// forwarder"): it proxies the query verbatim to the first configured
// upstream resolver and relays the reply back to the guest. Queries run on
// their own goroutine since dns.Client.Exchange blocks on real network I/O
// and must not stall the packet-handling path the rest of handleUDP runs
// on.
func (d *Device) handleDNS(query []byte, guestSrcPort uint16) error {
	msg := new(dns.Msg)
	if err := msg.Unpack(query); err != nil {
		return nil // malformed query; drop rather than fault the guest
	}

	upstream := d.dns
	if len(upstream) == 0 {
		upstream = DefaultDNS
	}
	addr := net.JoinHostPort(net.IP(upstream[0][:]).String(), "53")

	d.wg.Add(1)
	go d.resolveDNS(msg, addr, guestSrcPort)
	return nil
}

// resolveDNS exchanges msg with the resolver at addr (host:port) and, on
// success, relays the reply back to the guest as srcPort 53. Split out of
// handleDNS so tests can point it at a loopback test server without
// needing to bind port 53.
func (d *Device) resolveDNS(msg *dns.Msg, addr string, guestSrcPort uint16) {
	defer d.wg.Done()

	client := &dns.Client{Net: "udp", Timeout: dnsQueryTimeout}

	reply, _, err := client.Exchange(msg, addr)
	if err != nil {
		d.log.Warn("tap: dns exchange with upstream failed", "upstream", addr, "err", err)
		return
	}

	packed, err := reply.Pack()
	if err != nil {
		d.log.Warn("tap: pack dns reply", "err", err)
		return
	}

	if err := d.sendUDPToGuest(net.IP(d.gatewayIPv4[:]), guestSrcPort, 53, packed); err != nil {
		d.log.Warn("tap: forward dns reply to guest", "err", err)
	}
}
