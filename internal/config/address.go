package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// ResolveListenAddress accepts host:port or a TCP multiaddr such as
// /ip4/127.0.0.1/tcp/8787 and returns host:port.
func ResolveListenAddress(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("listen address is required")
	}
	if strings.HasPrefix(raw, "/") {
		return multiaddrHostPort(raw)
	}
	if _, _, err := net.SplitHostPort(raw); err != nil {
		return "", fmt.Errorf("invalid listen address %q: %w", raw, err)
	}
	return raw, nil
}

// ResolveEndpoint turns a client endpoint into an http URL. Multiaddrs map to
// http://host:port; URLs are returned unchanged.
func ResolveEndpoint(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return "", errors.New("endpoint is required")
	case strings.HasPrefix(raw, "/"):
		hostPort, err := multiaddrHostPort(raw)
		if err != nil {
			return "", err
		}
		return "http://" + hostPort, nil
	case strings.HasPrefix(raw, "http://"), strings.HasPrefix(raw, "https://"):
		return strings.TrimRight(raw, "/"), nil
	default:
		if _, _, err := net.SplitHostPort(raw); err != nil {
			return "", fmt.Errorf("invalid endpoint %q: %w", raw, err)
		}
		return "http://" + raw, nil
	}
}

func multiaddrHostPort(raw string) (string, error) {
	addr, err := ma.NewMultiaddr(raw)
	if err != nil {
		return "", fmt.Errorf("invalid multiaddr %q: %w", raw, err)
	}
	netAddr, err := manet.ToNetAddr(addr)
	if err != nil {
		return "", fmt.Errorf("unsupported multiaddr %q: %w", raw, err)
	}
	tcp, ok := netAddr.(*net.TCPAddr)
	if !ok {
		return "", fmt.Errorf("multiaddr %q is not tcp", raw)
	}
	return tcp.String(), nil
}
