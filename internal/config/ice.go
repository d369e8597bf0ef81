package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
	"gopkg.in/yaml.v3"
)

const (
	envICEServersJSON = "CALL_CLIENT_ICE_SERVERS_JSON"

	envStunURLs       = "CALL_CLIENT_STUN_URLS"
	envTurnURLs       = "CALL_CLIENT_TURN_URLS"
	envTurnUsername   = "CALL_CLIENT_TURN_USERNAME"
	envTurnCredential = "CALL_CLIENT_TURN_CREDENTIAL"
)

var errTURNCredentials = errors.New("turn urls require username and credential")

// iceServerSpec is one RTCIceServer-shaped entry as written in the config
// file or in --ice-servers-json.
type iceServerSpec struct {
	URLs       urlList `yaml:"urls" json:"urls"`
	Username   string  `yaml:"username,omitempty" json:"username,omitempty"`
	Credential string  `yaml:"credential,omitempty" json:"credential,omitempty"`
}

// urlList accepts either a single URL or a list, as browsers do.
type urlList []string

func (l *urlList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*l = urlList{node.Value}
		return nil
	case yaml.SequenceNode:
		var urls []string
		if err := node.Decode(&urls); err != nil {
			return err
		}
		*l = urls
		return nil
	default:
		return fmt.Errorf("line %d: urls must be a string or a list", node.Line)
	}
}

// toPion checks every URL with pion's STUN/TURN URI parser so that a bad
// entry is reported at startup rather than when a call gathers candidates.
func (s iceServerSpec) toPion() (webrtc.ICEServer, error) {
	server := webrtc.ICEServer{Username: strings.TrimSpace(s.Username)}
	relay := false
	for _, raw := range s.URLs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		uri, err := stun.ParseURI(raw)
		if err != nil {
			return webrtc.ICEServer{}, fmt.Errorf("%q: %w", raw, err)
		}
		if uri.Scheme == stun.SchemeTypeTURN || uri.Scheme == stun.SchemeTypeTURNS {
			relay = true
		}
		server.URLs = append(server.URLs, raw)
	}
	if len(server.URLs) == 0 {
		return webrtc.ICEServer{}, errors.New("missing urls")
	}
	if strings.TrimSpace(s.Credential) != "" {
		server.Credential = s.Credential
	}
	if relay && (server.Username == "" || server.Credential == nil) {
		return webrtc.ICEServer{}, errTURNCredentials
	}
	return server, nil
}

// ParseICEServersJSON parses a list of RTCIceServer-shaped objects. The YAML
// decoder reads JSON too, so the same entries can come from the config file.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var specs []iceServerSpec
	if err := yaml.Unmarshal([]byte(raw), &specs); err != nil {
		return nil, err
	}
	out := make([]webrtc.ICEServer, 0, len(specs))
	for i, spec := range specs {
		server, err := spec.toPion()
		if err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

// iceSources are the raw ICE settings after flag/env/file layering.
type iceSources struct {
	serversJSON    string
	stunURLs       string
	turnURLs       string
	turnUsername   string
	turnCredential string
}

// resolve prefers a full server list, then the STUN/TURN lists, then
// DefaultSTUNURLs.
func (src iceSources) resolve() ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(src.serversJSON); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}

	var servers []webrtc.ICEServer
	if urls := splitList(src.stunURLs); len(urls) > 0 {
		server, err := iceServerSpec{URLs: urls}.toPion()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}
	if urls := splitList(src.turnURLs); len(urls) > 0 {
		server, err := iceServerSpec{
			URLs:       urls,
			Username:   src.turnUsername,
			Credential: strings.TrimSpace(src.turnCredential),
		}.toPion()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}

	if len(servers) == 0 {
		servers = []webrtc.ICEServer{{URLs: append([]string(nil), DefaultSTUNURLs...)}}
	}
	return servers, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
