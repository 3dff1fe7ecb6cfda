package addrpool

import (
	"fmt"
	"net/netip"
)

// Pool holds the paired IPv4/IPv6 client address ranges one node serves for
// one profile. The profile-wide ranges are split across the profile's nodes
// and index correspondence between the two splits is preserved, so node i
// always pairs its IPv4 sub-range with its IPv6 sub-range.
type Pool struct {
	four  netip.Prefix
	six   netip.Prefix
	hosts []netip.Addr
}

// New splits the profile ranges across nodeCount nodes and returns the pool
// owned by nodeNumber.
func New(rangeFour, rangeSix netip.Prefix, nodeCount, nodeNumber int) (*Pool, error) {
	if nodeNumber < 0 || nodeNumber >= nodeCount {
		return nil, fmt.Errorf("addrpool: node %d outside node count %d", nodeNumber, nodeCount)
	}
	foursSplit, err := Split(rangeFour, nodeCount)
	if err != nil {
		return nil, err
	}
	sixesSplit, err := Split(rangeSix, nodeCount)
	if err != nil {
		return nil, err
	}
	four := foursSplit[nodeNumber]
	six := sixesSplit[nodeNumber]
	hosts, err := ClientIPList(four)
	if err != nil {
		return nil, err
	}
	return &Pool{four: four, six: six, hosts: hosts}, nil
}

// RangeFour returns the node's IPv4 sub-range.
func (p *Pool) RangeFour() netip.Prefix { return p.four }

// RangeSix returns the node's IPv6 sub-range.
func (p *Pool) RangeSix() netip.Prefix { return p.six }

// GatewayFour returns the first host of the IPv4 sub-range, reserved for
// the node itself.
func (p *Pool) GatewayFour() netip.Addr { return offsetAddr(p.four.Addr(), 1, 0) }

// GatewaySix returns the first host of the IPv6 sub-range.
func (p *Pool) GatewaySix() netip.Addr { return offsetAddr(p.six.Addr(), 1, 0) }

// Size returns the number of client addresses the pool can hand out.
func (p *Pool) Size() int { return len(p.hosts) }

// Allocate scans the ordered host list and returns the first IPv4 address
// not present in allocated, together with the IPv6 address at the same list
// index. It fails with ErrNoFreeAddress when the pool is exhausted.
func (p *Pool) Allocate(allocated map[string]struct{}) (netip.Addr, netip.Addr, error) {
	for i, host := range p.hosts {
		if _, taken := allocated[host.String()]; taken {
			continue
		}
		six, err := HostAt(p.six, i)
		if err != nil {
			return netip.Addr{}, netip.Addr{}, err
		}
		return host, six, nil
	}
	return netip.Addr{}, netip.Addr{}, ErrNoFreeAddress
}
