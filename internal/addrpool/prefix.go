// Package addrpool derives per-node client address pools from the CIDR
// ranges a profile is configured with. IPv4 addresses are enumerated and
// allocated by a first-free scan; the IPv6 address is always the one at the
// same list index so the two stay paired across node splits.
package addrpool

import (
	"errors"
	"fmt"
	"math/bits"
	"net/netip"
)

var (
	// ErrRangeTooSmall indicates the range cannot be split or has no room
	// for client addresses.
	ErrRangeTooSmall = errors.New("addrpool: range too small")
	// ErrNoFreeAddress indicates every client address in the pool is taken.
	ErrNoFreeAddress = errors.New("addrpool: no free address in range")
)

// Split divides a prefix into n equally sized sub-prefixes. n must be a
// power of two and the resulting prefixes must still have room for client
// addresses (at most /30 for IPv4, /126 for IPv6).
func Split(p netip.Prefix, n int) ([]netip.Prefix, error) {
	if !p.IsValid() {
		return nil, fmt.Errorf("addrpool: invalid prefix")
	}
	if n <= 0 || bits.OnesCount(uint(n)) != 1 {
		return nil, fmt.Errorf("%w: split count %d is not a power of two", ErrRangeTooSmall, n)
	}
	p = p.Masked()

	extra := bits.TrailingZeros(uint(n))
	addrBits := 32
	maxBits := 30
	if p.Addr().Is6() && !p.Addr().Is4In6() {
		addrBits = 128
		maxBits = 126
	}
	newBits := p.Bits() + extra
	if newBits > maxBits {
		return nil, fmt.Errorf("%w: cannot split %s into %d networks", ErrRangeTooSmall, p, n)
	}

	prefixes := make([]netip.Prefix, n)
	for i := 0; i < n; i++ {
		base := offsetAddr(p.Addr(), uint64(i), addrBits-newBits)
		sub, err := base.Prefix(newBits)
		if err != nil {
			return nil, err
		}
		prefixes[i] = sub
	}
	return prefixes, nil
}

// ClientIPList returns the ordered usable client addresses of an IPv4
// prefix, excluding the network address, the first host (reserved for the
// gateway) and the broadcast address.
func ClientIPList(p netip.Prefix) ([]netip.Addr, error) {
	if !p.IsValid() || !p.Addr().Is4() {
		return nil, fmt.Errorf("addrpool: IPv4 prefix required, got %s", p)
	}
	p = p.Masked()
	hostBits := 32 - p.Bits()
	if hostBits < 2 {
		return nil, fmt.Errorf("%w: %s has no client addresses", ErrRangeTooSmall, p)
	}
	count := (1 << hostBits) - 3

	list := make([]netip.Addr, count)
	for i := 0; i < count; i++ {
		list[i] = offsetAddr(p.Addr(), uint64(i+2), 0)
	}
	return list, nil
}

// HostAt returns the host address at client index i of a prefix, following
// the same 2-offset numbering ClientIPList uses. It is how the IPv6 twin of
// an allocated IPv4 address is derived.
func HostAt(p netip.Prefix, i int) (netip.Addr, error) {
	if !p.IsValid() {
		return netip.Addr{}, fmt.Errorf("addrpool: invalid prefix")
	}
	if i < 0 {
		return netip.Addr{}, fmt.Errorf("addrpool: negative host index %d", i)
	}
	p = p.Masked()
	addrBits := 32
	if p.Addr().Is6() && !p.Addr().Is4In6() {
		addrBits = 128
	}
	hostBits := addrBits - p.Bits()
	if hostBits < 64 {
		max := (uint64(1) << hostBits) - 2
		if uint64(i)+2 > max {
			return netip.Addr{}, fmt.Errorf("%w: host index %d outside %s", ErrRangeTooSmall, i, p)
		}
	}
	return offsetAddr(p.Addr(), uint64(i+2), 0), nil
}

// offsetAddr adds val * 2^shift to the address, interpreting it as one
// big-endian integer.
func offsetAddr(addr netip.Addr, val uint64, shift int) netip.Addr {
	if addr.Is4() {
		b := addr.As4()
		addAtShift(b[:], val, shift)
		return netip.AddrFrom4(b)
	}
	b := addr.As16()
	addAtShift(b[:], val, shift)
	return netip.AddrFrom16(b)
}

func addAtShift(b []byte, val uint64, shift int) {
	carry := val << (shift % 8)
	idx := len(b) - 1 - shift/8
	for carry > 0 && idx >= 0 {
		sum := uint64(b[idx]) + (carry & 0xff)
		b[idx] = byte(sum)
		carry = carry>>8 + sum>>8
		idx--
	}
}
