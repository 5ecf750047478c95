package targets

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/tatzyr/idb/pkg/errors"
)

// Address identifies a companion endpoint. Exactly two kinds exist,
// TCPAddress and DomainSocketAddress; both are comparable structs, so
// addresses work as map keys and equality is plain field equality.
type Address interface {
	Destination
	fmt.Stringer
	isAddress()
}

// TCPAddress is a companion reachable over the network.
type TCPAddress struct {
	Host string
	Port int
}

func (a TCPAddress) isAddress()     {}
func (a TCPAddress) isDestination() {}

func (a TCPAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// DomainSocketAddress is a companion reachable over a unix domain socket.
type DomainSocketAddress struct {
	Path string
}

func (a DomainSocketAddress) isAddress()     {}
func (a DomainSocketAddress) isDestination() {}

func (a DomainSocketAddress) String() string {
	return a.Path
}

// Destination is what connect and disconnect accept: an Address or a
// DeviceID. The union is dispatched once at the entry point; nothing
// downstream infers the kind from string shape again.
type Destination interface {
	isDestination()
}

// DeviceID names a device by udid.
type DeviceID string

func (DeviceID) isDestination() {}

// ParseDestination turns a destination argument into a Destination.
// Strings containing a path separator are socket paths, host:port pairs
// are TCP endpoints, everything else is a udid.
func ParseDestination(value string) (Destination, error) {
	if value == "" {
		return nil, errors.NewValidationError("destination is empty", nil)
	}
	if strings.ContainsRune(value, '/') {
		return DomainSocketAddress{Path: value}, nil
	}
	if host, portStr, err := net.SplitHostPort(value); err == nil {
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return nil, errors.NewValidationError(fmt.Sprintf("invalid port in destination %q", value), err)
		}
		return TCPAddress{Host: host, Port: port}, nil
	}
	return DeviceID(value), nil
}
