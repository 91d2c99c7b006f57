package keystore

import (
	"net"
	"strconv"
	"strings"
)

// IPAllowed reports whether ip satisfies the allowlist. An empty allowlist
// admits every caller. Entries are exact IP strings or IPv4 CIDR blocks;
// malformed entries never match.
func IPAllowed(allowlist []string, ip string) bool {
	if len(allowlist) == 0 {
		return true
	}
	for _, entry := range allowlist {
		if entry == ip {
			return true
		}
		if strings.ContainsRune(entry, '/') && cidrMatch(entry, ip) {
			return true
		}
	}
	return false
}

// cidrMatch tests an IPv4 address against an IPv4 CIDR block. Prefix lengths
// outside [0,32] are invalid, /0 matches everything.
func cidrMatch(cidr, ip string) bool {
	base, bitsStr, ok := strings.Cut(cidr, "/")
	if !ok {
		return false
	}
	bits, err := strconv.Atoi(bitsStr)
	if err != nil || bits < 0 || bits > 32 {
		return false
	}
	baseAddr := net.ParseIP(base)
	ipAddr := net.ParseIP(ip)
	if baseAddr == nil || ipAddr == nil {
		return false
	}
	base4 := baseAddr.To4()
	ip4 := ipAddr.To4()
	if base4 == nil || ip4 == nil {
		return false
	}
	if bits == 0 {
		return true
	}
	mask := ^uint32(0) << (32 - uint(bits))
	return ipv4ToUint32(base4)&mask == ipv4ToUint32(ip4)&mask
}

func ipv4ToUint32(ip net.IP) uint32 {
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}
