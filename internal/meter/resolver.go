package meter

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/speedwagon-io/meterreader/internal/lib/logger/sl"
)

const (
	DefaultDiscoveryTimeout = 3 * time.Second
	DefaultDiscoverySuffix  = ".local"
)

// HostLookup resolves a local-discovery name to an IPv4 address.
type HostLookup interface {
	LookupIPv4(ctx context.Context, host string) (net.IP, error)
}

// AddressResolver rewrites base URLs whose host is a local-discovery name
// into URLs carrying a routable address. Failures never propagate: the
// URL is returned unchanged and the transport gets to try the name itself.
type AddressResolver struct {
	log     *slog.Logger
	lookup  HostLookup
	timeout time.Duration
	suffix  string
}

func NewAddressResolver(log *slog.Logger, lookup HostLookup, timeout time.Duration, suffix string) *AddressResolver {
	if timeout <= 0 {
		timeout = DefaultDiscoveryTimeout
	}
	if suffix == "" {
		suffix = DefaultDiscoverySuffix
	}
	return &AddressResolver{
		log:     log,
		lookup:  lookup,
		timeout: timeout,
		suffix:  strings.ToLower(suffix),
	}
}

func (r *AddressResolver) Resolve(ctx context.Context, baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		r.log.Warn("failed to parse meter url", slog.String("url", baseURL), sl.Err(err))
		return baseURL
	}

	host := u.Hostname()
	if r.lookup == nil || !strings.HasSuffix(strings.ToLower(strings.TrimSuffix(host, ".")), r.suffix) {
		return baseURL
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ip, err := r.lookup.LookupIPv4(lookupCtx, host)
	if err != nil {
		r.log.Warn("local name resolution failed, using unresolved host",
			slog.String("host", host),
			sl.Err(err),
		)
		return baseURL
	}

	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(ip.String(), port)
	} else {
		u.Host = ip.String()
	}

	r.log.Debug("resolved local name",
		slog.String("host", host),
		slog.String("address", ip.String()),
	)
	return u.String()
}

var mdnsGroup = &net.UDPAddr{IP: net.IPv4(224, 0, 0, 251), Port: 5353}

// MDNSLookup sends a one-shot A query to the mDNS group from an ephemeral
// port, which makes responders answer with a unicast reply (RFC 6762 §6.7).
type MDNSLookup struct {
	group *net.UDPAddr
}

func NewMDNSLookup() *MDNSLookup {
	return &MDNSLookup{group: mdnsGroup}
}

func (m *MDNSLookup) LookupIPv4(ctx context.Context, host string) (net.IP, error) {
	name := dns.Fqdn(host)

	query := new(dns.Msg)
	query.SetQuestion(name, dns.TypeA)
	query.RecursionDesired = false

	packed, err := query.Pack()
	if err != nil {
		return nil, fmt.Errorf("failed to pack mdns query: %w", err)
	}

	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open mdns socket: %w", err)
	}
	defer conn.Close()

	// unblock the read loop once ctx is done
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.WriteToUDP(packed, m.group); err != nil {
		return nil, fmt.Errorf("failed to send mdns query: %w", err)
	}

	buf := make([]byte, 65536)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("mdns lookup for %s: %w", host, ctxErr)
			}
			return nil, fmt.Errorf("mdns lookup for %s: %w", host, err)
		}

		var resp dns.Msg
		if err := resp.Unpack(buf[:n]); err != nil || !resp.Response {
			continue
		}

		if ip := firstA(name, resp.Answer, resp.Extra); ip != nil {
			return ip, nil
		}
	}
}

func firstA(name string, sections ...[]dns.RR) net.IP {
	for _, rrs := range sections {
		for _, rr := range rrs {
			a, ok := rr.(*dns.A)
			if ok && strings.EqualFold(a.Hdr.Name, name) && a.A != nil {
				return a.A
			}
		}
	}
	return nil
}
