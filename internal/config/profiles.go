package config

import (
	"fmt"
	"math/bits"
	"net/netip"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/creamcroissant/vpnportal/internal/protocol"
)

// NodeEndpoint describes one VPN gateway node: its control API URL and the
// connection endpoint data clients need.
type NodeEndpoint struct {
	URL         string `yaml:"url"`
	Hostname    string `yaml:"hostname"`
	WGPublicKey string `yaml:"wireguard_public_key"`
	WGPort      int    `yaml:"wireguard_port"`
}

// Profile is one VPN profile as declared in profiles.yaml. A profile may
// span multiple nodes; each node owns a disjoint sub-range of the profile's
// address space, derived by index.
type Profile struct {
	ProfileID      string   `yaml:"profile_id"`
	DisplayName    string   `yaml:"display_name"`
	OpenVPN        bool     `yaml:"openvpn"`
	WireGuard      bool     `yaml:"wireguard"`
	PreferredProto string   `yaml:"preferred_proto"`
	NodeURLs       []string `yaml:"node_urls"`
	RangeFour      string   `yaml:"range"`
	RangeSix       string   `yaml:"range6"`
	UDPPorts       []int    `yaml:"udp_ports"`
	TCPPorts       []int    `yaml:"tcp_ports"`
	DNS            []string `yaml:"dns"`
	DefaultGateway bool     `yaml:"default_gateway"`

	nodes     []NodeEndpoint
	rangeFour netip.Prefix
	rangeSix  netip.Prefix
	preferred protocol.Protocol
}

// Profiles is the parsed and validated profiles.yaml.
type Profiles struct {
	Nodes    []NodeEndpoint `yaml:"nodes"`
	Profiles []*Profile     `yaml:"profiles"`

	byID map[string]*Profile
}

// LoadProfiles reads and validates the profile definitions.
func LoadProfiles(path string) (*Profiles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	return ParseProfiles(data)
}

// ParseProfiles parses profiles.yaml content and resolves every profile's
// node URL list against the declared nodes.
func ParseProfiles(data []byte) (*Profiles, error) {
	var p Profiles
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}

	nodesByURL := make(map[string]NodeEndpoint, len(p.Nodes))
	for _, node := range p.Nodes {
		if node.URL == "" {
			return nil, fmt.Errorf("profiles: node without url")
		}
		if _, dup := nodesByURL[node.URL]; dup {
			return nil, fmt.Errorf("profiles: duplicate node url %q", node.URL)
		}
		nodesByURL[node.URL] = node
	}

	p.byID = make(map[string]*Profile, len(p.Profiles))
	for _, profile := range p.Profiles {
		if profile.ProfileID == "" {
			return nil, fmt.Errorf("profiles: profile without profile_id")
		}
		if _, dup := p.byID[profile.ProfileID]; dup {
			return nil, fmt.Errorf("profiles: duplicate profile_id %q", profile.ProfileID)
		}
		if !profile.OpenVPN && !profile.WireGuard {
			return nil, fmt.Errorf("profiles: profile %q supports no protocol", profile.ProfileID)
		}
		if len(profile.NodeURLs) == 0 {
			return nil, fmt.Errorf("profiles: profile %q has no nodes", profile.ProfileID)
		}
		// Address ranges are split across nodes by prefix halving, so a
		// WireGuard profile needs a power-of-two node count.
		if profile.WireGuard && bits.OnesCount(uint(len(profile.NodeURLs))) != 1 {
			return nil, fmt.Errorf("profiles: profile %q has %d nodes, a wireguard profile needs a power of two", profile.ProfileID, len(profile.NodeURLs))
		}
		for _, nodeURL := range profile.NodeURLs {
			node, ok := nodesByURL[nodeURL]
			if !ok {
				return nil, fmt.Errorf("profiles: profile %q references unknown node %q", profile.ProfileID, nodeURL)
			}
			profile.nodes = append(profile.nodes, node)
		}

		rangeFour, err := netip.ParsePrefix(profile.RangeFour)
		if err != nil {
			return nil, fmt.Errorf("profiles: profile %q range: %w", profile.ProfileID, err)
		}
		rangeSix, err := netip.ParsePrefix(profile.RangeSix)
		if err != nil {
			return nil, fmt.Errorf("profiles: profile %q range6: %w", profile.ProfileID, err)
		}
		profile.rangeFour = rangeFour
		profile.rangeSix = rangeSix

		if profile.PreferredProto != "" {
			preferred, err := protocol.Parse(profile.PreferredProto)
			if err != nil {
				return nil, fmt.Errorf("profiles: profile %q: %w", profile.ProfileID, err)
			}
			profile.preferred = preferred
		}

		p.byID[profile.ProfileID] = profile
	}
	return &p, nil
}

// Get returns the profile with the given id, or nil when it is not (or no
// longer) part of the configuration.
func (p *Profiles) Get(profileID string) *Profile {
	return p.byID[profileID]
}

// All returns the profiles in declaration order.
func (p *Profiles) All() []*Profile {
	return p.Profiles
}

// NodeCount returns how many nodes serve this profile.
func (p *Profile) NodeCount() int { return len(p.nodes) }

// Node returns the endpoint of node nodeNumber.
func (p *Profile) Node(nodeNumber int) (NodeEndpoint, error) {
	if nodeNumber < 0 || nodeNumber >= len(p.nodes) {
		return NodeEndpoint{}, fmt.Errorf("profiles: profile %q has no node %d", p.ProfileID, nodeNumber)
	}
	return p.nodes[nodeNumber], nil
}

// Caps exposes the profile's protocol capabilities for selection.
func (p *Profile) Caps() protocol.ProfileCaps {
	return protocol.ProfileCaps{
		OpenVPN:    p.OpenVPN,
		WireGuard:  p.WireGuard,
		HasTCPPort: len(p.TCPPorts) > 0,
		Preferred:  p.preferred,
	}
}

// RangeFourPrefix returns the profile-wide IPv4 client range.
func (p *Profile) RangeFourPrefix() netip.Prefix { return p.rangeFour }

// RangeSixPrefix returns the profile-wide IPv6 client range.
func (p *Profile) RangeSixPrefix() netip.Prefix { return p.rangeSix }
