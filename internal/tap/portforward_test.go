package tap

import "testing"

func TestParsePortForward(t *testing.T) {
	tests := []struct {
		spec      string
		wantProto portForwardProto
		wantHost  string
		wantHPort uint16
		wantGPort uint16
		wantErr   bool
	}{
		{spec: "tcp/127.0.0.1:2022=22", wantProto: portForwardTCP, wantHost: "127.0.0.1", wantHPort: 2022, wantGPort: 22},
		{spec: "udp/53=53", wantProto: portForwardUDP, wantHost: "", wantHPort: 53, wantGPort: 53},
		{spec: "8080=80", wantProto: portForwardBoth, wantHost: "", wantHPort: 8080, wantGPort: 80},
		{spec: "tcp/2022=", wantErr: true},
		{spec: "missing-equals", wantErr: true},
		{spec: "tcp/0=22", wantErr: true},
	}

	for _, tt := range tests {
		pf, err := ParsePortForward(tt.spec)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParsePortForward(%q): expected error, got none", tt.spec)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParsePortForward(%q): unexpected error: %v", tt.spec, err)
		}
		if pf.proto != tt.wantProto || pf.hostHost != tt.wantHost || pf.hostPort != tt.wantHPort || pf.guestPort != tt.wantGPort {
			t.Errorf("ParsePortForward(%q) = %+v, want proto=%v host=%q hostPort=%d guestPort=%d",
				tt.spec, pf, tt.wantProto, tt.wantHost, tt.wantHPort, tt.wantGPort)
		}
	}
}

func TestSplitAddrPort(t *testing.T) {
	tests := []struct {
		in       string
		wantHost string
		wantPort uint16
		wantErr  bool
	}{
		{in: "22", wantHost: "", wantPort: 22},
		{in: "127.0.0.1:2022", wantHost: "127.0.0.1", wantPort: 2022},
		{in: "", wantHost: "", wantPort: 0},
		{in: "not-a-port", wantErr: true},
	}
	for _, tt := range tests {
		host, port, err := splitAddrPort(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("splitAddrPort(%q): expected error, got none", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("splitAddrPort(%q): unexpected error: %v", tt.in, err)
		}
		if host != tt.wantHost || port != tt.wantPort {
			t.Errorf("splitAddrPort(%q) = (%q, %d), want (%q, %d)", tt.in, host, port, tt.wantHost, tt.wantPort)
		}
	}
}
