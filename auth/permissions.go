package auth

import (
	"fmt"
	"net"
	"strings"
)

// WritePermission allows writes below Root. An empty Root means "/", the
// whole home directory.
type WritePermission struct {
	Root string
}

func (p WritePermission) CanAuthorize(req Request) bool {
	return req.Kind == KindWrite
}

// Authorize matches the normalized request path against the normalized root
// on whole path components, so "/pub" does not grant "/public".
func (p WritePermission) Authorize(req Request) bool {
	if req.Kind != KindWrite {
		return false
	}
	root := CleanPath(p.Root)
	target := CleanPath(req.Path)
	if root == "/" {
		return true
	}
	return target == root || strings.HasPrefix(target, root+"/")
}

// ConcurrentLoginPermission limits simultaneous logins of a user, overall and
// from a single address. Zero disables a limit.
type ConcurrentLoginPermission struct {
	MaxLogins      int
	MaxLoginsPerIP int
}

func (p ConcurrentLoginPermission) CanAuthorize(req Request) bool {
	return req.Kind == KindLoginCount
}

func (p ConcurrentLoginPermission) Authorize(req Request) bool {
	if req.Kind != KindLoginCount {
		return false
	}
	if p.MaxLogins > 0 && req.Logins > p.MaxLogins {
		return false
	}
	if p.MaxLoginsPerIP > 0 && req.LoginsFromIP > p.MaxLoginsPerIP {
		return false
	}
	return true
}

// AnonymousLoginPermission caps how many sessions may share the anonymous
// account at once. Zero means unlimited.
type AnonymousLoginPermission struct {
	MaxLogins int
}

func (p AnonymousLoginPermission) CanAuthorize(req Request) bool {
	return req.Kind == KindAnonymousLogin
}

func (p AnonymousLoginPermission) Authorize(req Request) bool {
	if req.Kind != KindAnonymousLogin {
		return false
	}
	return p.MaxLogins <= 0 || req.Logins <= p.MaxLogins
}

// TransferRatePermission allows transfers and carries per-direction
// bandwidth caps in bytes per second. Zero means unlimited.
type TransferRatePermission struct {
	MaxDownloadRate int64
	MaxUploadRate   int64
}

func (p TransferRatePermission) CanAuthorize(req Request) bool {
	return req.Kind == KindTransferRate
}

func (p TransferRatePermission) Authorize(req Request) bool {
	return req.Kind == KindTransferRate
}

func (p TransferRatePermission) RateLimit(dir Direction) int64 {
	if dir == Upload {
		return p.MaxUploadRate
	}
	return p.MaxDownloadRate
}

// IPRestrictionPermission filters logins by client address. Deny entries win
// over Allow entries; an empty Allow list admits every address not denied.
type IPRestrictionPermission struct {
	Allow []*net.IPNet
	Deny  []*net.IPNet
}

func (p IPRestrictionPermission) CanAuthorize(req Request) bool {
	return req.Kind == KindIPRestriction
}

func (p IPRestrictionPermission) Authorize(req Request) bool {
	if req.Kind != KindIPRestriction || req.RemoteIP == nil {
		return false
	}
	for _, n := range p.Deny {
		if n.Contains(req.RemoteIP) {
			return false
		}
	}
	if len(p.Allow) == 0 {
		return true
	}
	for _, n := range p.Allow {
		if n.Contains(req.RemoteIP) {
			return true
		}
	}
	return false
}

// ParseIPNets parses CIDR blocks. A bare address is treated as a single-host
// network.
func ParseIPNets(specs []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(specs))
	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		if !strings.Contains(spec, "/") {
			ip := net.ParseIP(spec)
			if ip == nil {
				return nil, fmt.Errorf("invalid IP address %q", spec)
			}
			bits := 128
			if ip4 := ip.To4(); ip4 != nil {
				ip, bits = ip4, 32
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(spec)
		if err != nil {
			return nil, fmt.Errorf("invalid network %q: %w", spec, err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}
