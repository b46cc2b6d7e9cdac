package tap

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	tcpFlagFIN = 0x01
	tcpFlagSYN = 0x02
	tcpFlagRST = 0x04
	tcpFlagPSH = 0x08
	tcpFlagACK = 0x10
)

// fourTuple keys a connection by the guest's own address/port and the
// address/port it believes it is talking to -- which, after the
// loopback/port-forward rewrites in tap.go and tcp.go, may not be the
// real remote peer.
type fourTuple struct {
	guestIP   [4]byte
	guestPort uint16
	peerIP    [4]byte
	peerPort  uint16
}

// connState is the bitfield spec §4.8 describes: "States: CLOSED, LISTEN,
// ESTABLISHED (bitfield: ESTABLISHED|SEND_OPEN|RECV_OPEN is NORMAL)".
// SEND_OPEN/RECV_OPEN track which half of the duplex connection is still
// open; their combination with ESTABLISHED is the fully-open state this
// package calls tcpNormal.
type connState uint8

const (
	tcpClosed      connState = 0
	tcpListenState connState = 1 << 0
	tcpSendOpen    connState = 1 << 1
	tcpRecvOpen    connState = 1 << 2
	tcpEstablished connState = 1 << 3
	tcpNormal                = tcpEstablished | tcpSendOpen | tcpRecvOpen
)

const (
	tcpRetransmitBase   = 500 * time.Millisecond
	tcpRetransmitMax    = 8 * time.Second
	tcpKeepaliveIdle    = 10 * time.Second
	tcpDeadConnTimeout  = 60 * time.Second
	tcpUnacceptedExpiry = 10 * time.Second
	tcpMaintenanceTick  = 200 * time.Millisecond
	tcpSendBufCapacity  = 256 * 1024
)

type tcpHeader struct {
	srcPort, dstPort uint16
	seq, ack         uint32
	flags            uint16
	window           uint16
	payload          []byte
}

func parseTCPHeader(data []byte) (tcpHeader, error) {
	if len(data) < tcpHeaderLen {
		return tcpHeader{}, fmt.Errorf("tap: tcp header too short: %d", len(data))
	}
	dataOff := int(data[12]>>4) * 4
	if dataOff < tcpHeaderLen || dataOff > len(data) {
		return tcpHeader{}, fmt.Errorf("tap: tcp data offset invalid: %d", dataOff)
	}
	return tcpHeader{
		srcPort: binary.BigEndian.Uint16(data[0:2]),
		dstPort: binary.BigEndian.Uint16(data[2:4]),
		seq:     binary.BigEndian.Uint32(data[4:8]),
		ack:     binary.BigEndian.Uint32(data[8:12]),
		flags:   uint16(data[13]),
		window:  binary.BigEndian.Uint16(data[14:16]),
		payload: data[dataOff:],
	}, nil
}

// tcpSendSegment is a retransmit segment (spec glossary): "a buffered TCP
// payload kept in the guest-bound direction until acknowledged, enabling
// NAT-side retransmission without interpreting host socket buffering."
type tcpSendSegment struct {
	seqStart, seqEnd uint32
	payload          []byte
	sentAt           time.Time
}

func seqLTE(a, b uint32) bool { return int32(a-b) <= 0 }

// tcpSendBuffer is the retransmit queue: host-sourced bytes the NAT has
// sent to the guest but that remain unacknowledged.
type tcpSendBuffer struct {
	mu       sync.Mutex
	segments []tcpSendSegment
	used     int
	capacity int
}

func newTCPSendBuffer(capacity int) *tcpSendBuffer {
	return &tcpSendBuffer{capacity: capacity}
}

func (sb *tcpSendBuffer) append(seg tcpSendSegment) bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.used+len(seg.payload) > sb.capacity {
		return false
	}
	sb.segments = append(sb.segments, seg)
	sb.used += len(seg.payload)
	return true
}

func (sb *tcpSendBuffer) ack(ackNum uint32) (bytesAcked int) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	kept := sb.segments[:0]
	for _, seg := range sb.segments {
		if seqLTE(seg.seqEnd, ackNum) {
			bytesAcked += len(seg.payload)
			sb.used -= len(seg.payload)
		} else {
			kept = append(kept, seg)
		}
	}
	sb.segments = kept
	return bytesAcked
}

func (sb *tcpSendBuffer) full() bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.used >= sb.capacity
}

func (sb *tcpSendBuffer) oldest() (tcpSendSegment, bool) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if len(sb.segments) == 0 {
		return tcpSendSegment{}, false
	}
	return sb.segments[0], true
}

func (sb *tcpSendBuffer) touchOldest(at time.Time) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if len(sb.segments) > 0 {
		sb.segments[0].sentAt = at
	}
}

func (sb *tcpSendBuffer) empty() bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return len(sb.segments) == 0
}

func (sb *tcpSendBuffer) clear() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.segments = nil
	sb.used = 0
}

// tcpConn is one NAT'd TCP connection, guest-initiated or, for a port
// forward, host-initiated.
type tcpConn struct {
	dev *Device
	key fourTuple

	mu          sync.Mutex
	state       connState
	guestSeq    uint32 // rcv.nxt: next sequence number expected from the guest
	hostSeq     uint32 // snd.nxt: next sequence number this NAT will send
	peerWindow  uint32
	inbound     bool // true for a port-forward-originated connection
	createdAt   time.Time
	lastActive  time.Time
	retransmit  time.Duration
	closed      bool
	sendPaused  bool // window-full backoff: host reads are paused

	hostConn net.Conn
	sendBuf  *tcpSendBuffer
}

func (d *Device) handleTCP(h ipv4Header, rewrittenToGateway bool) error {
	hdr, err := parseTCPHeader(h.payload)
	if err != nil {
		return err
	}

	var key fourTuple
	copy(key.guestIP[:], h.src.To4())
	key.guestPort = hdr.srcPort
	copy(key.peerIP[:], h.dst.To4())
	key.peerPort = hdr.dstPort

	d.mu.Lock()
	conn, ok := d.tcp[key]
	d.mu.Unlock()

	if !ok {
		if hdr.flags&tcpFlagSYN == 0 {
			return nil
		}
		if d.filterLAN && !rewrittenToGateway && isRFC1918(h.dst) {
			return d.sendTCPReset(key, hdr.ack, hdr.seq+1)
		}
		conn = d.newOutboundTCPConn(key, hdr.seq)
		d.mu.Lock()
		d.tcp[key] = conn
		d.mu.Unlock()
		conn.beginOutboundConnect(rewrittenToGateway)
		return nil
	}

	return conn.handleSegment(hdr)
}

func (d *Device) newOutboundTCPConn(key fourTuple, guestISN uint32) *tcpConn {
	return &tcpConn{
		dev:        d,
		key:        key,
		state:      tcpSendOpen,
		guestSeq:   guestISN + 1,
		hostSeq:    uint32(d.rng.Int31()),
		createdAt:  time.Now(),
		lastActive: time.Now(),
		retransmit: tcpRetransmitBase,
		sendBuf:    newTCPSendBuffer(tcpSendBufCapacity),
	}
}

// beginOutboundConnect opens the real host socket the spec calls the
// "non-blocking host connect"; Go's net.Dial is used from a goroutine
// instead of a literal nonblocking connect + writable-readiness poll,
// since that is the idiomatic Go equivalent of the same operation.
func (c *tcpConn) beginOutboundConnect(rewrittenToGateway bool) {
	dstIP := net.IP(c.key.peerIP[:])
	if rewrittenToGateway {
		dstIP = net.IPv4(127, 0, 0, 1)
	}
	addr := net.JoinHostPort(dstIP.String(), fmt.Sprintf("%d", c.key.peerPort))
	go func() {
		conn, err := net.DialTimeout("tcp4", addr, 10*time.Second)
		if err != nil {
			c.dev.log.Warn("tap: tcp connect failed", "addr", addr, "err", err)
			_ = c.sendReset()
			c.teardown()
			return
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.hostConn = conn
		c.mu.Unlock()
		c.sendSynAck()
		c.dev.wg.Add(1)
		go c.hostReadLoop()
	}()
}

func (d *Device) sendTCPReset(key fourTuple, seq, ack uint32) error {
	return d.sendTCPPacket(key, seq, ack, tcpFlagRST|tcpFlagACK, nil)
}

func (c *tcpConn) sendSynAck() {
	c.mu.Lock()
	seq, ack := c.hostSeq, c.guestSeq
	c.hostSeq++
	c.mu.Unlock()
	_ = c.dev.sendTCPPacket(c.key, seq, ack, tcpFlagSYN|tcpFlagACK, nil)
}

func (c *tcpConn) sendAck() {
	c.mu.Lock()
	seq, ack := c.hostSeq, c.guestSeq
	c.mu.Unlock()
	_ = c.dev.sendTCPPacket(c.key, seq, ack, tcpFlagACK, nil)
}

func (c *tcpConn) sendFin() {
	c.mu.Lock()
	seq, ack := c.hostSeq, c.guestSeq
	c.hostSeq++
	c.mu.Unlock()
	_ = c.dev.sendTCPPacket(c.key, seq, ack, tcpFlagFIN|tcpFlagACK, nil)
}

func (c *tcpConn) sendReset() error {
	c.mu.Lock()
	seq, ack := c.hostSeq, c.guestSeq
	c.mu.Unlock()
	return c.dev.sendTCPPacket(c.key, seq, ack, tcpFlagRST|tcpFlagACK, nil)
}

func (d *Device) sendTCPPacket(key fourTuple, seq, ack uint32, flags uint16, payload []byte) error {
	packet := make([]byte, tcpHeaderLen+len(payload))
	binary.BigEndian.PutUint16(packet[0:2], key.peerPort)
	binary.BigEndian.PutUint16(packet[2:4], key.guestPort)
	binary.BigEndian.PutUint32(packet[4:8], seq)
	binary.BigEndian.PutUint32(packet[8:12], ack)
	packet[12] = tcpHeaderLen / 4 << 4
	packet[13] = byte(flags)
	binary.BigEndian.PutUint16(packet[14:16], 0xffff)
	copy(packet[tcpHeaderLen:], payload)

	srcIP := net.IP(key.peerIP[:])
	dstIP := net.IP(key.guestIP[:])
	binary.BigEndian.PutUint16(packet[16:18], 0)
	binary.BigEndian.PutUint16(packet[16:18], tcpChecksum(srcIP, dstIP, packet))

	ip := buildIPv4PacketInto(nil, srcIP, dstIP, tcpProtocolNumber, packet)
	return d.sendFrame(d.buildEthernetFrame(ip, etherTypeIPv4))
}

func tcpChecksum(src, dst net.IP, payload []byte) uint16 {
	return checksumWithInitial(payload, pseudoHeaderChecksum(src, dst, tcpProtocolNumber, len(payload)))
}

func (c *tcpConn) handleSegment(hdr tcpHeader) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.lastActive = time.Now()

	if hdr.flags&tcpFlagRST != 0 {
		c.mu.Unlock()
		c.teardown()
		return nil
	}

	if hdr.flags&tcpFlagACK != 0 {
		c.peerWindow = uint32(hdr.window)
		acked := c.sendBuf.ack(hdr.ack)
		if acked > 0 && c.sendPaused && !c.sendBuf.full() {
			c.sendPaused = false
		}
		c.retransmit = tcpRetransmitBase
	}

	switch {
	case c.state&tcpEstablished == 0 && c.state&tcpSendOpen != 0 && !c.inbound:
		// Outbound handshake: waiting for the guest's final ACK of our SYN+ACK.
		if hdr.flags&tcpFlagACK != 0 {
			c.state = tcpNormal
		}
		c.mu.Unlock()
		return c.forwardGuestData(hdr)

	case c.state&tcpEstablished == 0 && c.inbound:
		// Inbound (port-forward) handshake: waiting for the guest's SYN+ACK.
		if hdr.flags&tcpFlagSYN != 0 && hdr.flags&tcpFlagACK != 0 {
			c.guestSeq = hdr.seq + 1
			c.state = tcpNormal
			c.mu.Unlock()
			c.sendAck()
			c.dev.wg.Add(1)
			go c.hostReadLoop()
			return nil
		}
		c.mu.Unlock()
		return nil

	default:
		c.mu.Unlock()
		return c.forwardGuestData(hdr)
	}
}

// forwardGuestData handles in-sequence payload and FIN once the connection
// is open for guest->host traffic.
func (c *tcpConn) forwardGuestData(hdr tcpHeader) error {
	if len(hdr.payload) > 0 {
		c.mu.Lock()
		if hdr.seq != c.guestSeq {
			c.mu.Unlock()
			return nil // out of order; drop silently, guest will retransmit
		}
		if c.state&tcpRecvOpen == 0 {
			c.mu.Unlock()
			return nil
		}
		c.guestSeq += uint32(len(hdr.payload))
		conn := c.hostConn
		c.mu.Unlock()
		if conn != nil {
			if _, err := conn.Write(hdr.payload); err != nil {
				_ = c.sendReset()
				c.teardown()
				return nil
			}
		}
		c.sendAck()
	}

	if hdr.flags&tcpFlagFIN != 0 {
		c.mu.Lock()
		if hdr.payload == nil {
			c.guestSeq++
		}
		c.state &^= tcpRecvOpen
		conn := c.hostConn
		done := c.state&(tcpSendOpen|tcpRecvOpen) == 0
		c.mu.Unlock()
		if conn != nil {
			if hc, ok := conn.(interface{ CloseWrite() error }); ok {
				_ = hc.CloseWrite()
			}
		}
		c.sendAck()
		if done {
			c.teardown()
		}
	}
	return nil
}

// hostReadLoop is this connection's share of spec's "poll set": a
// goroutine blocked reading the real host socket, turning arrivals into
// retransmit-buffered PSH|ACK segments to the guest.
func (c *tcpConn) hostReadLoop() {
	defer c.dev.wg.Done()
	buf := make([]byte, 32*1024)
	for {
		c.mu.Lock()
		paused := c.sendPaused || c.sendBuf.full()
		conn := c.hostConn
		c.mu.Unlock()
		if conn == nil {
			return
		}
		if paused {
			c.mu.Lock()
			c.sendPaused = true
			c.mu.Unlock()
			time.Sleep(tcpMaintenanceTick)
			continue
		}

		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, err := conn.Read(buf)
		if n > 0 {
			c.sendHostBytes(buf[:n])
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if err == io.EOF {
				c.closeSendHalf()
			} else {
				_ = c.sendReset()
				c.teardown()
			}
			return
		}
	}
}

func (c *tcpConn) sendHostBytes(data []byte) {
	c.mu.Lock()
	if c.state&tcpSendOpen == 0 {
		c.mu.Unlock()
		return
	}
	seq := c.hostSeq
	c.hostSeq += uint32(len(data))
	c.sendBuf.append(tcpSendSegment{seqStart: seq, seqEnd: seq + uint32(len(data)), payload: append([]byte(nil), data...), sentAt: time.Now()})
	ack := c.guestSeq
	c.mu.Unlock()
	_ = c.dev.sendTCPPacket(c.key, seq, ack, tcpFlagACK|tcpFlagPSH, data)
}

func (c *tcpConn) closeSendHalf() {
	c.mu.Lock()
	if c.state&tcpSendOpen == 0 {
		c.mu.Unlock()
		return
	}
	c.state &^= tcpSendOpen
	done := c.state&(tcpSendOpen|tcpRecvOpen) == 0
	c.mu.Unlock()
	c.sendFin()
	if done {
		c.teardown()
	}
}

func (c *tcpConn) closeLocked() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.hostConn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// teardown removes the connection from the device's map and closes the
// host socket: "on teardown, the context is absent from both maps."
func (c *tcpConn) teardown() {
	c.closeLocked()
	c.dev.mu.Lock()
	delete(c.dev.tcp, c.key)
	c.dev.mu.Unlock()
}

// tcpMaintenanceLoop is the TAP worker's 200ms periodic pass (spec §4.8):
// retransmits timed-out segments, injects keepalives, and reaps dead or
// never-accepted connections.
func (d *Device) tcpMaintenanceLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(tcpMaintenanceTick)
	defer ticker.Stop()
	for {
		select {
		case <-d.closeCh:
			return
		case <-ticker.C:
			d.mu.Lock()
			conns := make([]*tcpConn, 0, len(d.tcp))
			for _, c := range d.tcp {
				conns = append(conns, c)
			}
			d.mu.Unlock()
			for _, c := range conns {
				c.maintain()
			}
		}
	}
}

func (c *tcpConn) maintain() {
	now := time.Now()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if now.Sub(c.lastActive) > tcpDeadConnTimeout {
		c.mu.Unlock()
		_ = c.sendReset()
		c.teardown()
		return
	}
	if c.inbound && c.state&tcpEstablished == 0 && now.Sub(c.createdAt) > tcpUnacceptedExpiry {
		c.mu.Unlock()
		c.teardown()
		return
	}

	if seg, ok := c.sendBuf.oldestUnlocked(); ok && now.Sub(seg.sentAt) > c.retransmit {
		ack := c.guestSeq
		c.retransmit *= 2
		if c.retransmit > tcpRetransmitMax {
			c.retransmit = tcpRetransmitMax
		}
		c.mu.Unlock()
		c.sendBuf.touchOldest(now)
		_ = c.dev.sendTCPPacket(c.key, seg.seqStart, ack, tcpFlagACK|tcpFlagPSH, seg.payload)
		return
	}
	idle := now.Sub(c.lastActive) > tcpKeepaliveIdle
	c.mu.Unlock()
	if idle {
		c.sendAck()
	}
}

// oldestUnlocked is oldest without the tcpConn's own lock held; it takes
// its own lock on sendBuf, which is independent of tcpConn.mu.
func (sb *tcpSendBuffer) oldestUnlocked() (tcpSendSegment, bool) { return sb.oldest() }

////////////////////////////////////////////////////////////////////////////
// Inbound (port-forward) connections: spec §4.8 "Inbound connections (from
// port-forwards) begin in RECV_OPEN, send SYN to the guest, and join NORMAL
// once the guest SYN-ACKs."
////////////////////////////////////////////////////////////////////////////

// portForwardListener is one bound host TCP listener for a port forward.
type portForwardListener struct {
	dev       *Device
	ln        net.Listener
	guestPort uint16
}

func (d *Device) bindTCPPortForward(pf portForward) error {
	addr := net.JoinHostPort(pf.hostHost, fmt.Sprintf("%d", pf.hostPort))
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		return err
	}
	pfl := &portForwardListener{dev: d, ln: ln, guestPort: pf.guestPort}
	d.mu.Lock()
	d.tcpLn[pf.guestPort] = pfl
	d.mu.Unlock()
	d.wg.Add(1)
	go pfl.acceptLoop()
	return nil
}

func (pfl *portForwardListener) Close() error { return pfl.ln.Close() }

func (pfl *portForwardListener) acceptLoop() {
	defer pfl.dev.wg.Done()
	for {
		conn, err := pfl.ln.Accept()
		if err != nil {
			return
		}
		pfl.dev.acceptInboundTCP(conn, pfl.guestPort)
	}
}

// acceptInboundTCP allocates a synthetic (gatewayIPv4, port) identity for an
// accepted external connection -- the "synthetic client IP" spec §6
// mentions for an unnamed guest host -- so that concurrent forwarded
// connections to the same guest port get distinct four-tuples.
func (d *Device) acceptInboundTCP(conn net.Conn, guestPort uint16) {
	var key fourTuple
	key.guestIP = d.guestIPv4
	key.guestPort = guestPort
	key.peerIP = d.gatewayIPv4

	d.mu.Lock()
	for {
		key.peerPort = uint16(20000 + d.rng.Intn(40000))
		if _, exists := d.tcp[key]; !exists {
			break
		}
	}
	c := &tcpConn{
		dev:        d,
		key:        key,
		state:      tcpRecvOpen,
		inbound:    true,
		hostConn:   conn,
		hostSeq:    uint32(d.rng.Int31()),
		createdAt:  time.Now(),
		lastActive: time.Now(),
		retransmit: tcpRetransmitBase,
		sendBuf:    newTCPSendBuffer(tcpSendBufCapacity),
	}
	d.tcp[key] = c
	d.mu.Unlock()

	c.sendSyn()
}

func (c *tcpConn) sendSyn() {
	c.mu.Lock()
	seq := c.hostSeq
	c.hostSeq++
	c.mu.Unlock()
	_ = c.dev.sendTCPPacket(c.key, seq, 0, tcpFlagSYN, nil)
}
