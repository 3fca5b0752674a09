package engine

import (
	"net/netip"
	"strings"
)

// AccessControlSet is the whitelist of addresses that are never tracked or
// blocked. It is built once and only read afterwards.
type AccessControlSet struct {
	whitelist map[string]struct{}
}

func buildAccessControl(whitelist []string) *AccessControlSet {
	ac := &AccessControlSet{whitelist: make(map[string]struct{}, len(whitelist))}
	for _, v := range whitelist {
		addr := normalizeAddress(v)
		if addr == "" {
			continue
		}
		ac.whitelist[addr] = struct{}{}
	}
	return ac
}

func (a *AccessControlSet) IsWhitelisted(addr string) bool {
	if a == nil || addr == "" {
		return false
	}
	_, ok := a.whitelist[addr]
	return ok
}

func (a *AccessControlSet) Len() int {
	if a == nil {
		return 0
	}
	return len(a.whitelist)
}

// normalizeAddress gives one spelling per address, so "::ffff:10.0.0.5"
// and "10.0.0.5" share the same state.
func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return addr
	}
	return ip.Unmap().String()
}
