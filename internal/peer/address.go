package peer

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var ErrInvalidAddress = errors.New("invalid peer address")

// Address identifies a peer by the host and TCP port it listens on.
type Address struct {
	Host string
	Port int
}

// ParseAddress parses "host:port" as sent in discovery datagrams.
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return Address{}, fmt.Errorf("%w %q: %v", ErrInvalidAddress, s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Address{}, fmt.Errorf("%w %q: bad port", ErrInvalidAddress, s)
	}
	addr := Address{Host: host, Port: port}
	if err := addr.Validate(); err != nil {
		return Address{}, err
	}
	return addr, nil
}

// FromNetAddr converts a socket address (e.g. conn.RemoteAddr()).
func FromNetAddr(a net.Addr) (Address, error) {
	switch v := a.(type) {
	case *net.TCPAddr:
		return Address{Host: v.IP.String(), Port: v.Port}, nil
	case *net.UDPAddr:
		return Address{Host: v.IP.String(), Port: v.Port}, nil
	}
	return ParseAddress(a.String())
}

func (a Address) Validate() error {
	if a.Host == "" {
		return fmt.Errorf("%w: empty host", ErrInvalidAddress)
	}
	if a.Port < 1 || a.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidAddress, a.Port)
	}
	return nil
}

func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}
