package ingest

import (
	"fmt"
	"net"
	"strings"

	"github.com/Angulorecto/LiveUpdater/internal/validate"
)

// allowlist restricts which remote addresses may open a session.
// An empty list admits everyone.
type allowlist []*net.IPNet

func parseAllowlist(entries []string) (allowlist, error) {
	var out allowlist
	for _, e := range entries {
		n, err := validate.Network(e)
		if err != nil {
			return nil, fmt.Errorf("allowed network %q: %w", e, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func (a allowlist) permits(ipStr string) bool {
	if len(a) == 0 {
		return true
	}
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	for _, n := range a {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
