package tap

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// udpSocketCtx is the "udp_socket_ctx" named in spec §4.8's TAP device
// field list: an ephemeral host socket bound on first use and keyed by the
// guest's source port, as spec.md requires ("binds ... an ephemeral host
// UDP socket keyed by the guest's source port").
type udpSocketCtx struct {
	dev      *Device
	guestSrc uint16 // guest's source port; also the map key
	conn     *net.UDPConn
}

func (d *Device) handleUDP(h ipv4Header, rewrittenToGateway bool) error {
	payload := h.payload
	if len(payload) < udpHeaderLen {
		return fmt.Errorf("tap: udp packet too short: %d", len(payload))
	}
	srcPort := binary.BigEndian.Uint16(payload[0:2])
	dstPort := binary.BigEndian.Uint16(payload[2:4])
	length := binary.BigEndian.Uint16(payload[4:6])
	if int(length) > len(payload) || length < udpHeaderLen {
		return fmt.Errorf("tap: udp length invalid: %d", length)
	}
	data := payload[8:length]

	// DHCP DISCOVER/REQUEST: gateway:67 from the unconfigured guest.
	if dstPort == 67 && h.src.Equal(net.IPv4zero) {
		return d.handleDHCP(data)
	}

	// DNS query addressed to the gateway: answered by the embedded
	// resolver instead of NAT'd out to a real host socket at that IP.
	if dstPort == 53 && h.dst.Equal(net.IP(d.gatewayIPv4[:])) {
		return d.handleDNS(data, srcPort)
	}

	src4 := h.src.To4()
	if src4 == nil {
		return fmt.Errorf("tap: udp source is not ipv4: %v", h.src)
	}

	dstIP := append(net.IP(nil), h.dst...)
	ctx, err := d.ephemeralUDPSocket(srcPort)
	if err != nil {
		return err
	}
	_, err = ctx.conn.WriteToUDP(data, &net.UDPAddr{IP: dstIP, Port: int(dstPort)})
	return err
}

// ephemeralUDPSocket returns (allocating on first use) the host socket
// bound for guestSrcPort, and starts the goroutine that copies host
// replies back to the guest -- this device's share of the "poll set"
// named in spec §4.8.
func (d *Device) ephemeralUDPSocket(guestSrcPort uint16) (*udpSocketCtx, error) {
	d.mu.Lock()
	if ctx, ok := d.udp[guestSrcPort]; ok {
		d.mu.Unlock()
		return ctx, nil
	}
	d.mu.Unlock()

	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, fmt.Errorf("tap: bind ephemeral udp socket: %w", err)
	}
	ctx := &udpSocketCtx{dev: d, guestSrc: guestSrcPort, conn: conn}

	d.mu.Lock()
	if existing, ok := d.udp[guestSrcPort]; ok {
		d.mu.Unlock()
		_ = conn.Close()
		return existing, nil
	}
	d.udp[guestSrcPort] = ctx
	d.mu.Unlock()

	d.wg.Add(1)
	go d.udpReadLoop(ctx)
	return ctx, nil
}

func (d *Device) udpReadLoop(ctx *udpSocketCtx) {
	defer d.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		_ = ctx.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, from, err := ctx.conn.ReadFromUDP(buf)
		select {
		case <-d.closeCh:
			return
		default:
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			d.mu.Lock()
			delete(d.udp, ctx.guestSrc)
			d.mu.Unlock()
			return
		}
		if err := d.sendUDPToGuest(from.IP, ctx.guestSrc, uint16(from.Port), buf[:n]); err != nil {
			d.log.Warn("tap: forward udp reply to guest", "err", err)
		}
	}
}

// sendUDPToGuest crafts and transmits a UDP datagram to the guest, with
// srcIP/srcPort as seen by the guest (the real remote host, NAT'd through
// the gateway's MAC) and dstPort the guest's own ephemeral source port.
func (d *Device) sendUDPToGuest(srcIP net.IP, dstPort, srcPort uint16, payload []byte) error {
	packet := make([]byte, udpHeaderLen+len(payload))
	binary.BigEndian.PutUint16(packet[0:2], srcPort)
	binary.BigEndian.PutUint16(packet[2:4], dstPort)
	binary.BigEndian.PutUint16(packet[4:6], uint16(len(packet)))
	copy(packet[8:], payload)
	binary.BigEndian.PutUint16(packet[6:8], 0)
	check := udpChecksum(srcIP, net.IP(d.guestIPv4[:]), packet)
	binary.BigEndian.PutUint16(packet[6:8], check)

	ip := buildIPv4PacketInto(nil, srcIP, net.IP(d.guestIPv4[:]), udpProtocolNumber, packet)
	return d.sendFrame(d.buildEthernetFrame(ip, etherTypeIPv4))
}

func udpChecksum(src, dst net.IP, payload []byte) uint16 {
	return checksumWithInitial(payload, pseudoHeaderChecksum(src, dst, udpProtocolNumber, len(payload)))
}
