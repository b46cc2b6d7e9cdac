package tap

import (
	"encoding/binary"
	"fmt"
	"net"
)

// DHCP message layout (RFC 2131). Only the fields this server needs to
// echo or fill in are named.
const (
	dhcpOpRequest = 1
	dhcpOpReply   = 2

	dhcpMsgDiscover = 1
	dhcpMsgOffer    = 2
	dhcpMsgRequest  = 3
	dhcpMsgAck      = 5

	dhcpOptMessageType  = 53
	dhcpOptServerID     = 54
	dhcpOptLeaseTime    = 51
	dhcpOptSubnetMask   = 1
	dhcpOptRouter       = 3
	dhcpOptDNS          = 6
	dhcpOptEnd          = 255

	dhcpFixedLen = 236 // everything up to and including the 4-byte magic cookie
)

var dhcpMagicCookie = [4]byte{99, 130, 83, 99}

// handleDHCP answers a DISCOVER with an OFFER and a REQUEST with an ACK,
// both carrying the fixed lease spec §4.8 names: the guest's address, a
// /24 mask, this device as router and DNS, and a 24-hour lease.
func (d *Device) handleDHCP(data []byte) error {
	if len(data) < dhcpFixedLen {
		return fmt.Errorf("tap: dhcp packet too short: %d", len(data))
	}
	if data[0] != dhcpOpRequest {
		return nil
	}
	xid := data[4:8]
	chaddr := append([]byte(nil), data[28:44]...)

	msgType, ok := dhcpMessageType(data[dhcpFixedLen:])
	if !ok {
		return nil
	}

	var reply byte
	switch msgType {
	case dhcpMsgDiscover:
		reply = dhcpMsgOffer
	case dhcpMsgRequest:
		reply = dhcpMsgAck
	default:
		return nil
	}

	packet := d.buildDHCPReply(reply, xid, chaddr)
	udp := make([]byte, udpHeaderLen+len(packet))
	binary.BigEndian.PutUint16(udp[0:2], 67)
	binary.BigEndian.PutUint16(udp[2:4], 68)
	binary.BigEndian.PutUint16(udp[4:6], uint16(len(udp)))
	copy(udp[8:], packet)
	broadcast := net.IPv4bcast
	binary.BigEndian.PutUint16(udp[6:8], 0)
	binary.BigEndian.PutUint16(udp[6:8], udpChecksum(net.IP(d.gatewayIPv4[:]), broadcast, udp))

	ip := buildIPv4PacketInto(nil, net.IP(d.gatewayIPv4[:]), broadcast, udpProtocolNumber, udp)
	return d.sendFrame(d.buildEthernetFrame(ip, etherTypeIPv4))
}

func dhcpMessageType(options []byte) (byte, bool) {
	i := 0
	for i+1 < len(options) {
		code := options[i]
		if code == dhcpOptEnd {
			return 0, false
		}
		if code == 0 { // pad
			i++
			continue
		}
		length := int(options[i+1])
		if i+2+length > len(options) {
			return 0, false
		}
		if code == dhcpOptMessageType && length == 1 {
			return options[i+2], true
		}
		i += 2 + length
	}
	return 0, false
}

func (d *Device) buildDHCPReply(msgType byte, xid, chaddr []byte) []byte {
	buf := make([]byte, dhcpFixedLen, dhcpFixedLen+64)
	buf[0] = dhcpOpReply
	buf[1] = 1 // htype: ethernet
	buf[2] = 6 // hlen
	buf[3] = 0 // hops
	copy(buf[4:8], xid)
	// secs, flags, ciaddr left zero.
	copy(buf[16:20], d.guestIPv4[:])   // yiaddr
	copy(buf[20:24], d.gatewayIPv4[:]) // siaddr
	// giaddr left zero.
	copy(buf[28:44], chaddr)
	copy(buf[236-4:236], dhcpMagicCookie[:])

	opt := func(code byte, data []byte) {
		buf = append(buf, code, byte(len(data)))
		buf = append(buf, data...)
	}
	opt(dhcpOptMessageType, []byte{msgType})
	opt(dhcpOptServerID, d.gatewayIPv4[:])
	leaseSecs := uint32(d.lease.Seconds())
	leaseBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(leaseBuf, leaseSecs)
	opt(dhcpOptLeaseTime, leaseBuf)
	opt(dhcpOptSubnetMask, []byte{255, 255, 255, 0})
	opt(dhcpOptRouter, d.gatewayIPv4[:])
	dns := make([]byte, 0, 4*len(d.dns))
	for _, ip := range d.dns {
		dns = append(dns, ip[:]...)
	}
	opt(dhcpOptDNS, dns)
	buf = append(buf, dhcpOptEnd)
	return buf
}
