// Package tunnelcfg projects gateway servers and clients into the TOML
// documents consumed by frp. The functions are pure; authentication of the
// caller is the API layer's job.
package tunnelcfg

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/pelletier/go-toml/v2"

	"github.com/koltyakov/edgeman/internal/domain"
)

const docHeader = "# Generated by edgeman.\n"

// Auth is the shared-token section of both documents.
type Auth struct {
	Method           string   `toml:"method"`
	Token            string   `toml:"token"`
	AdditionalScopes []string `toml:"additionalScopes"`
}

// ServerDocument is the frps configuration.
type ServerDocument struct {
	BindPort int  `toml:"bindPort"`
	Auth     Auth `toml:"auth"`
}

// Transport carries per-proxy flags.
type Transport struct {
	UseEncryption  bool `toml:"useEncryption,omitempty"`
	UseCompression bool `toml:"useCompression,omitempty"`
}

// Proxy is one forwarded service of a client.
type Proxy struct {
	Name       string     `toml:"name"`
	Type       string     `toml:"type"`
	LocalIP    string     `toml:"localIP"`
	LocalPort  int        `toml:"localPort"`
	RemotePort int        `toml:"remotePort"`
	Transport  *Transport `toml:"transport,omitempty"`
}

// ClientDocument is the frpc configuration.
type ClientDocument struct {
	ServerAddr string  `toml:"serverAddr"`
	ServerPort int     `toml:"serverPort"`
	Auth       Auth    `toml:"auth"`
	Proxies    []Proxy `toml:"proxies,omitempty"`
}

// ClientOptions tune client documents.
type ClientOptions struct {
	// LocalIP is the address origin connections forward to.
	LocalIP string
}

func auth(token string) Auth {
	return Auth{Method: "token", Token: token, AdditionalScopes: []string{"HeartBeats"}}
}

// ServerConfig builds the server document.
func ServerConfig(srv domain.GatewayServer) ServerDocument {
	return ServerDocument{BindPort: srv.BindPort, Auth: auth(srv.AuthToken)}
}

// OriginConnections returns the connections an origin client forwards to the
// proxy host: one per public web port.
func OriginConnections(srv domain.GatewayServer, localIP string) []domain.GatewayConnection {
	out := make([]domain.GatewayConnection, 0, 2)
	for _, port := range []int{80, 443} {
		out = append(out, domain.GatewayConnection{
			Name:       fmt.Sprintf("origin_%s_%d", srv.Name, port),
			Type:       "tcp",
			LocalIP:    localIP,
			LocalPort:  port,
			RemotePort: port,
			Active:     true,
		})
	}
	return out
}

// ClientConfig builds the client document. Inactive connections are
// omitted; proxies are sorted by name.
func ClientConfig(c domain.GatewayClient, srv domain.GatewayServer, conns []domain.GatewayConnection, opts ClientOptions) ClientDocument {
	doc := ClientDocument{ServerAddr: srv.Host, ServerPort: srv.BindPort, Auth: auth(srv.AuthToken)}

	names := make(map[string]bool, len(conns))
	all := make([]domain.GatewayConnection, 0, len(conns)+2)
	for _, conn := range conns {
		names[conn.Name] = true
		all = append(all, conn)
	}
	if c.IsOrigin {
		for _, conn := range OriginConnections(srv, opts.LocalIP) {
			if !names[conn.Name] {
				all = append(all, conn)
			}
		}
	}

	for _, conn := range all {
		if !conn.Active {
			continue
		}
		p := Proxy{
			Name:       conn.Name,
			Type:       conn.Type,
			LocalIP:    conn.LocalIP,
			LocalPort:  conn.LocalPort,
			RemotePort: conn.RemotePort,
		}
		var t Transport
		for _, f := range conn.Flags {
			switch f {
			case domain.FlagEncryption:
				t.UseEncryption = true
			case domain.FlagCompression:
				t.UseCompression = true
			}
		}
		if t.UseEncryption || t.UseCompression {
			p.Transport = &t
		}
		doc.Proxies = append(doc.Proxies, p)
	}
	sort.Slice(doc.Proxies, func(i, j int) bool { return doc.Proxies[i].Name < doc.Proxies[j].Name })
	return doc
}

// EmitServer renders the server document as TOML.
func EmitServer(srv domain.GatewayServer) ([]byte, error) {
	return encode(ServerConfig(srv))
}

// EmitClient renders the client document as TOML.
func EmitClient(c domain.GatewayClient, srv domain.GatewayServer, conns []domain.GatewayConnection, opts ClientOptions) ([]byte, error) {
	return encode(ClientConfig(c, srv, conns, opts))
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(docHeader)
	if err := toml.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("encode tunnel config: %w", err)
	}
	return buf.Bytes(), nil
}
