// Package protocol holds the closed VPN protocol enum and the selection
// logic that decides whether a client gets an OpenVPN or a WireGuard
// configuration.
package protocol

import (
	"errors"
	"fmt"
)

// Protocol enumerates the supported VPN protocols.
type Protocol uint8

const (
	// OpenVPN is the certificate-based protocol.
	OpenVPN Protocol = iota + 1
	// WireGuard is the public-key-based protocol.
	WireGuard
)

var (
	// ErrNoCommonProtocol indicates the client rules out every protocol.
	ErrNoCommonProtocol = errors.New("protocol: no common protocol between client and profile")
	// ErrNotSupportedByProfile indicates the client requires a protocol the
	// profile does not offer.
	ErrNotSupportedByProfile = errors.New("protocol: protocol not supported by profile")
)

// String returns the wire spelling used in the store and the node API.
func (p Protocol) String() string {
	switch p {
	case OpenVPN:
		return "openvpn"
	case WireGuard:
		return "wireguard"
	default:
		return "unknown"
	}
}

// Parse converts the wire spelling back into a Protocol.
func Parse(s string) (Protocol, error) {
	switch s {
	case "openvpn":
		return OpenVPN, nil
	case "wireguard":
		return WireGuard, nil
	default:
		return 0, fmt.Errorf("protocol: unknown protocol %q", s)
	}
}

// ClientCaps are the capability flags a client announces. A client that
// announces both is treated as having expressed no restriction.
type ClientCaps struct {
	OpenVPN   bool
	WireGuard bool
}

// ProfileCaps describe what a profile offers and prefers.
type ProfileCaps struct {
	OpenVPN    bool
	WireGuard  bool
	HasTCPPort bool
	Preferred  Protocol
}

// Determine picks the protocol for a new connection. The precedence is
// fixed: explicit client restriction, then TCP preference, then profile
// preference, then key presence, then the OpenVPN default.
func Determine(profile ProfileCaps, client ClientCaps, publicKeyProvided, preferTCP bool) (Protocol, error) {
	if !client.OpenVPN && !client.WireGuard {
		return 0, ErrNoCommonProtocol
	}

	// Client restricted itself to exactly one protocol.
	if client.OpenVPN != client.WireGuard {
		if client.OpenVPN {
			if !profile.OpenVPN {
				return 0, ErrNotSupportedByProfile
			}
			return OpenVPN, nil
		}
		if !profile.WireGuard {
			return 0, ErrNotSupportedByProfile
		}
		return WireGuard, nil
	}

	// Client accepts both; profile decides when it offers only one.
	if !profile.OpenVPN && !profile.WireGuard {
		return 0, ErrNoCommonProtocol
	}
	if profile.OpenVPN != profile.WireGuard {
		if profile.OpenVPN {
			return OpenVPN, nil
		}
		return WireGuard, nil
	}

	// Both sides support both.
	if preferTCP && profile.HasTCPPort {
		return OpenVPN, nil
	}
	if profile.Preferred == OpenVPN {
		return OpenVPN, nil
	}
	if publicKeyProvided {
		return WireGuard, nil
	}
	return OpenVPN, nil
}
