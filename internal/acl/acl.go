// Package acl implements address match lists over CIDR ranges, used for the
// listener ACL and the PROXY protocol allow-list.
package acl

import (
	"fmt"
	"net"
	"strings"

	"github.com/yl2chen/cidranger"
)

// Set is a collection of networks an address can be matched against.
type Set struct {
	ranger cidranger.Ranger
	count  int
}

// NewSet builds a Set from CIDR strings. Bare addresses are accepted and
// treated as host routes.
func NewSet(cidrs []string) (*Set, error) {
	s := &Set{ranger: cidranger.NewPCTrieRanger()}
	for _, c := range cidrs {
		entry := c
		if !strings.Contains(entry, "/") {
			if strings.Contains(entry, ":") {
				entry += "/128"
			} else {
				entry += "/32"
			}
		}
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("parsing ACL entry %q: %w", c, err)
		}
		if err := s.ranger.Insert(cidranger.NewBasicRangerEntry(*network)); err != nil {
			return nil, fmt.Errorf("inserting ACL entry %q: %w", c, err)
		}
		s.count++
	}
	return s, nil
}

// Empty reports whether the set contains no networks.
func (s *Set) Empty() bool {
	return s.count == 0
}

// Match reports whether ip falls inside any network of the set.
func (s *Set) Match(ip net.IP) bool {
	if ip == nil {
		return false
	}
	ok, err := s.ranger.Contains(ip)
	return err == nil && ok
}

// MatchAddr matches the IP part of a net.Addr.
func (s *Set) MatchAddr(addr net.Addr) bool {
	return s.Match(addrIP(addr))
}

func addrIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return net.ParseIP(addr.String())
	}
	return net.ParseIP(host)
}
