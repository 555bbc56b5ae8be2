package emails

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// DefaultResolvers are queried in order when no resolvers are configured.
var DefaultResolvers = []string{"8.8.8.8:53", "1.1.1.1:53"}

// MXVerifier drops addresses whose domain provably cannot receive mail. A domain is
// rejected only on an authoritative answer (NXDOMAIN, or no MX records); when no
// resolver answers, addresses are kept.
type MXVerifier struct {
	servers []string
	client  *dns.Client

	mu    sync.Mutex
	cache map[string]bool
}

func NewMXVerifier(servers []string, timeout time.Duration) *MXVerifier {
	if len(servers) == 0 {
		servers = DefaultResolvers
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &MXVerifier{
		servers: servers,
		client:  &dns.Client{Timeout: timeout},
		cache:   make(map[string]bool),
	}
}

// Filter returns the addresses in addrs whose domain accepts mail, preserving order.
func (v *MXVerifier) Filter(ctx context.Context, addrs []string) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		at := strings.LastIndexByte(a, '@')
		if at < 0 {
			continue
		}
		if v.Accepts(ctx, a[at+1:]) {
			out = append(out, a)
		}
	}
	return out
}

// Accepts reports whether domain has MX records. Results are cached per verifier.
func (v *MXVerifier) Accepts(ctx context.Context, domain string) bool {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return false
	}
	v.mu.Lock()
	ok, cached := v.cache[domain]
	v.mu.Unlock()
	if cached {
		return ok
	}

	ok, definitive := v.lookup(ctx, domain)
	if !definitive {
		return true
	}
	v.mu.Lock()
	v.cache[domain] = ok
	v.mu.Unlock()
	return ok
}

func (v *MXVerifier) lookup(ctx context.Context, domain string) (hasMX bool, definitive bool) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeMX)
	msg.RecursionDesired = true

	for _, server := range v.servers {
		resp, _, err := v.client.ExchangeContext(ctx, msg, server)
		if err != nil || resp == nil {
			continue
		}
		switch resp.Rcode {
		case dns.RcodeNameError:
			return false, true
		case dns.RcodeSuccess:
			for _, rr := range resp.Answer {
				if _, ok := rr.(*dns.MX); ok {
					return true, true
				}
			}
			return false, true
		}
	}
	return false, false
}
