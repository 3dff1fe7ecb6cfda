package connection

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/creamcroissant/vpnportal/internal/config"
	"github.com/creamcroissant/vpnportal/internal/protocol"
)

// ClientConfig is the material handed back to a connecting client. For
// WireGuard with a generated keypair, Config embeds the private key; it is
// returned exactly once and never stored server-side.
type ClientConfig struct {
	Proto        protocol.Protocol
	ProfileID    string
	ConnectionID string
	Config       string
	ExpiresAt    time.Time
}

var openVPNTemplate = template.Must(template.New("ovpn").Parse(`# {{.ProfileName}}
dev tun
client
nobind
remote-cert-tls server
verb 3
server-poll-timeout 10
tls-version-min 1.3
data-ciphers AES-256-GCM:CHACHA20-POLY1305
reneg-sec 0
{{- range .Remotes}}
remote {{.Host}} {{.Port}} {{.Proto}}
{{- end}}
<ca>
{{.CA}}</ca>
<cert>
{{.Cert}}</cert>
<key>
{{.Key}}</key>
`))

var wireGuardTemplate = template.Must(template.New("wg").Parse(`# {{.ProfileName}}
[Interface]
{{- if .PrivateKey}}
PrivateKey = {{.PrivateKey}}
{{- end}}
Address = {{.Address}}
{{- if .DNS}}
DNS = {{.DNS}}
{{- end}}

[Peer]
PublicKey = {{.ServerPublicKey}}
AllowedIPs = {{.AllowedIPs}}
Endpoint = {{.Endpoint}}
`))

type remoteLine struct {
	Host  string
	Port  int
	Proto string
}

type openVPNData struct {
	ProfileName string
	Remotes     []remoteLine
	CA          string
	Cert        string
	Key         string
}

type wireGuardData struct {
	ProfileName     string
	PrivateKey      string
	Address         string
	DNS             string
	ServerPublicKey string
	AllowedIPs      string
	Endpoint        string
}

func renderOpenVPN(profile *config.Profile, node config.NodeEndpoint, caPEM, certPEM, keyPEM string) (string, error) {
	data := openVPNData{
		ProfileName: profile.DisplayName,
		CA:          caPEM,
		Cert:        certPEM,
		Key:         keyPEM,
	}
	for _, port := range profile.UDPPorts {
		data.Remotes = append(data.Remotes, remoteLine{Host: node.Hostname, Port: port, Proto: "udp"})
	}
	for _, port := range profile.TCPPorts {
		data.Remotes = append(data.Remotes, remoteLine{Host: node.Hostname, Port: port, Proto: "tcp"})
	}

	var b strings.Builder
	if err := openVPNTemplate.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render openvpn config: %w", err)
	}
	return b.String(), nil
}

func renderWireGuard(profile *config.Profile, node config.NodeEndpoint, privateKey, ipFour, ipSix string) (string, error) {
	allowed := "0.0.0.0/0, ::/0"
	if !profile.DefaultGateway {
		allowed = fmt.Sprintf("%s, %s", profile.RangeFourPrefix(), profile.RangeSixPrefix())
	}
	data := wireGuardData{
		ProfileName:     profile.DisplayName,
		PrivateKey:      privateKey,
		Address:         fmt.Sprintf("%s/32, %s/128", ipFour, ipSix),
		DNS:             strings.Join(profile.DNS, ", "),
		ServerPublicKey: node.WGPublicKey,
		AllowedIPs:      allowed,
		Endpoint:        fmt.Sprintf("%s:%d", node.Hostname, node.WGPort),
	}

	var b strings.Builder
	if err := wireGuardTemplate.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render wireguard config: %w", err)
	}
	return b.String(), nil
}
