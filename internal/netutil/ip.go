// Package netutil classifies IP literals for telemetry reporting.
package netutil

import (
	"fmt"
	"net"
)

type Version string

const (
	V4 Version = "v4"
	V6 Version = "v6"
)

type Scope string

const (
	Public  Scope = "public"
	Private Scope = "private"
)

// cgnat is the carrier-grade NAT range, private for IPv4 only.
var cgnat = mustCIDR("100.64.0.0/10")

func mustCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

// Classify maps an IP literal to its version and scope. Private covers
// RFC 1918, loopback, link-local, and CGNAT for v4; loopback, link-local,
// and ULA for v6.
func Classify(literal string) (Version, Scope, error) {
	ip := net.ParseIP(literal)
	if ip == nil {
		return "", "", fmt.Errorf("invalid ip literal: %q", literal)
	}

	if v4 := ip.To4(); v4 != nil {
		if v4.IsPrivate() || v4.IsLoopback() || v4.IsLinkLocalUnicast() || cgnat.Contains(v4) {
			return V4, Private, nil
		}
		return V4, Public, nil
	}

	if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
		return V6, Private, nil
	}
	return V6, Public, nil
}
