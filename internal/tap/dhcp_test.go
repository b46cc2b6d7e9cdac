package tap

import (
	"encoding/binary"
	"log/slog"
	"testing"
)

func newTestDevice(t *testing.T) *Device {
	t.Helper()
	d, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.log = slog.Default()
	return d
}

func TestDHCPMessageType(t *testing.T) {
	opts := []byte{dhcpOptMessageType, 1, dhcpMsgDiscover, dhcpOptEnd}
	got, ok := dhcpMessageType(opts)
	if !ok || got != dhcpMsgDiscover {
		t.Fatalf("dhcpMessageType() = (%d, %v), want (%d, true)", got, ok, dhcpMsgDiscover)
	}
}

func TestDHCPMessageTypeMissing(t *testing.T) {
	opts := []byte{dhcpOptSubnetMask, 4, 255, 255, 255, 0, dhcpOptEnd}
	if _, ok := dhcpMessageType(opts); ok {
		t.Fatal("dhcpMessageType() found a type that was never present")
	}
}

func TestBuildDHCPReply(t *testing.T) {
	d := newTestDevice(t)
	xid := []byte{1, 2, 3, 4}
	chaddr := []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}

	reply := d.buildDHCPReply(dhcpMsgOffer, xid, chaddr)

	if reply[0] != dhcpOpReply {
		t.Errorf("op = %d, want %d", reply[0], dhcpOpReply)
	}
	if string(reply[4:8]) != string(xid) {
		t.Errorf("xid = %v, want %v", reply[4:8], xid)
	}
	var yiaddr [4]byte
	copy(yiaddr[:], reply[16:20])
	if yiaddr != d.guestIPv4 {
		t.Errorf("yiaddr = %v, want %v", yiaddr, d.guestIPv4)
	}
	var magic [4]byte
	copy(magic[:], reply[232:236])
	if magic != dhcpMagicCookie {
		t.Errorf("magic cookie at offset 232 = %v, want %v", magic, dhcpMagicCookie)
	}

	msgType, ok := dhcpMessageType(reply[dhcpFixedLen:])
	if !ok || msgType != dhcpMsgOffer {
		t.Errorf("reply options message type = (%d, %v), want (%d, true)", msgType, ok, dhcpMsgOffer)
	}
}

func TestBuildDHCPReplyLeaseTime(t *testing.T) {
	d := newTestDevice(t)
	reply := d.buildDHCPReply(dhcpMsgAck, []byte{0, 0, 0, 0}, make([]byte, 16))

	i := dhcpFixedLen
	for i+1 < len(reply) {
		code := reply[i]
		if code == dhcpOptEnd {
			t.Fatal("lease time option not found before end")
		}
		length := int(reply[i+1])
		if code == dhcpOptLeaseTime {
			got := binary.BigEndian.Uint32(reply[i+2 : i+2+length])
			want := uint32(d.lease.Seconds())
			if got != want {
				t.Errorf("lease seconds = %d, want %d", got, want)
			}
			return
		}
		i += 2 + length
	}
	t.Fatal("ran off the end of options without finding lease time")
}
