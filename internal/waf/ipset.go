package waf

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/wudi/edgegate/internal/config"
)

// ipSet matches the client address against CIDR blocks or single addresses.
type ipSet struct {
	prefixes []netip.Prefix
}

func newIPSet(cfg config.IPSetConfig) (*ipSet, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("ip_set: at least one address is required")
	}
	s := &ipSet{}
	for _, a := range cfg.Addresses {
		a = strings.TrimSpace(a)
		if strings.Contains(a, "/") {
			p, err := netip.ParsePrefix(a)
			if err != nil {
				return nil, fmt.Errorf("ip_set: %w", err)
			}
			s.prefixes = append(s.prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(a)
		if err != nil {
			return nil, fmt.Errorf("ip_set: %w", err)
		}
		addr = addr.Unmap()
		s.prefixes = append(s.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return s, nil
}

func (s *ipSet) Match(req *Request) bool {
	if !req.ClientIP.IsValid() {
		return false
	}
	for _, p := range s.prefixes {
		if p.Contains(req.ClientIP) {
			return true
		}
	}
	return false
}
