package emails_test

import (
	"context"
	"net"
	"slices"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/shpitdev/gmaps-lead-pipeline/internal/emails"
)

func startDNS(t *testing.T) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	handler := dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		switch r.Question[0].Name {
		case "bakery.example.":
			rr, _ := dns.NewRR("bakery.example. 300 IN MX 10 mail.bakery.example.")
			m.Answer = append(m.Answer, rr)
		case "nomx.example.":
		default:
			m.Rcode = dns.RcodeNameError
		}
		_ = w.WriteMsg(m)
	})

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("dns server did not start")
	}
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func TestMXVerifier_Filter(t *testing.T) {
	addr := startDNS(t)
	v := emails.NewMXVerifier([]string{addr}, time.Second)

	in := []string{"orders@bakery.example", "someone@nomx.example", "x@missing.example", "Hello@Bakery.Example"}
	got := v.Filter(context.Background(), in)
	want := []string{"orders@bakery.example", "Hello@Bakery.Example"}
	if !slices.Equal(got, want) {
		t.Fatalf("Filter=%v want %v", got, want)
	}
}

func TestMXVerifier_KeepsWhenNoResolverAnswers(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	silent := pc.LocalAddr().String()
	t.Cleanup(func() { _ = pc.Close() })

	v := emails.NewMXVerifier([]string{silent}, 50*time.Millisecond)
	got := v.Filter(context.Background(), []string{"orders@bakery.example"})
	if len(got) != 1 {
		t.Fatalf("expected address kept on resolver failure, got %v", got)
	}
}
