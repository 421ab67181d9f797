// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Default AMQP ports.
const (
	DefaultPort    = 5672
	DefaultTLSPort = 5671
)

// Address is a parsed AMQP url of the form scheme://[user:pass@]host:port/path.
type Address struct {
	Scheme   string
	Host     string
	Port     int
	Username string
	Password string
	// Node is the AMQP node address taken from the url path.
	Node string
}

// ParseURL parses an AMQP url. The scheme must be amqp or amqps; a missing
// port defaults to the scheme's standard port.
func ParseURL(raw string) (Address, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "amqp" && scheme != "amqps" {
		return Address{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return Address{}, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	a := Address{
		Scheme: scheme,
		Host:   u.Hostname(),
		Port:   DefaultPort,
		Node:   strings.TrimPrefix(u.Path, "/"),
	}
	if scheme == "amqps" {
		a.Port = DefaultTLSPort
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Address{}, fmt.Errorf("%w: bad port %q", ErrInvalidURL, p)
		}
		a.Port = port
	}
	if u.User != nil {
		a.Username = u.User.Username()
		a.Password, _ = u.User.Password()
	}

	return a, nil
}

// HostPort returns host:port.
func (a Address) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// ConnURL returns the connection part of the address, without the node or credentials.
func (a Address) ConnURL() string {
	return a.Scheme + "://" + a.HostPort()
}

// TLS reports whether the connection must use TLS.
func (a Address) TLS() bool {
	return a.Scheme == "amqps"
}

// String returns the url without credentials.
func (a Address) String() string {
	if a.Node == "" {
		return a.ConnURL()
	}
	return a.ConnURL() + "/" + a.Node
}

// URL builds the url workers use to reach node on a router at host:port.
func URL(host string, port int, node string) string {
	return Address{Scheme: "amqp", Host: host, Port: port, Node: node}.String()
}
