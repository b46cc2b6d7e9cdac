package tap

import (
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
)

// startTestDNSServer runs a minimal upstream resolver on loopback that
// answers any A query with 203.0.113.7, so resolveDNS has something real
// to exchange with.
func startTestDNSServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		if len(r.Question) == 1 && r.Question[0].Qtype == dns.TypeA {
			if rr, err := dns.NewRR(r.Question[0].Name + " 60 IN A 203.0.113.7"); err == nil {
				m.Answer = append(m.Answer, rr)
			}
		}
		_ = w.WriteMsg(m)
	})
	srv := &dns.Server{Addr: "127.0.0.1:0", Net: "udp", Handler: mux}
	ready := make(chan struct{})
	srv.NotifyStartedFunc = func() { close(ready) }
	go srv.ListenAndServe()
	<-ready
	return srv.PacketConn.LocalAddr().String(), func() { srv.Shutdown() }
}

func TestResolveDNSForwardsUpstreamAnswer(t *testing.T) {
	addr, stop := startTestDNSServer(t)
	defer stop()

	d := newTestDevice(t)

	var mu sync.Mutex
	var sentFrame []byte
	d.AttachSink(func(frame []byte) error {
		mu.Lock()
		sentFrame = frame
		mu.Unlock()
		return nil
	})

	msg := new(dns.Msg)
	msg.SetQuestion("example.test.", dns.TypeA)

	d.wg.Add(1)
	d.resolveDNS(msg, addr, 12345)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := sentFrame
		mu.Unlock()
		if got != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no DNS reply frame observed within deadline")
}

func TestHandleDNSDropsMalformedQuery(t *testing.T) {
	d := newTestDevice(t)
	if err := d.handleDNS([]byte{0xff, 0xff, 0xff}, 12345); err != nil {
		t.Fatalf("handleDNS(malformed) = %v, want nil (dropped silently)", err)
	}
}
