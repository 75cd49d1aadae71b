package region

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ServerName identifies one process of a region server. StartCode tells
// restarts on the same host and port apart.
type ServerName struct {
	Host      string
	Port      int
	StartCode int64
}

const serverNameSeparator = ","

// IsZero reports whether sn names no server.
func (sn ServerName) IsZero() bool {
	return sn == ServerName{}
}

// HostPort returns the dialable address of the server.
func (sn ServerName) HostPort() string {
	return net.JoinHostPort(sn.Host, strconv.Itoa(sn.Port))
}

// SameHostPort reports whether both names point at the same listener,
// regardless of start code.
func (sn ServerName) SameHostPort(o ServerName) bool {
	return sn.Host == o.Host && sn.Port == o.Port
}

func (sn ServerName) String() string {
	if sn.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s%s%d%s%d", sn.Host, serverNameSeparator, sn.Port, serverNameSeparator, sn.StartCode)
}

// ParseServerName parses the host,port,startcode form produced by String.
// The empty string parses to the zero ServerName.
func ParseServerName(s string) (ServerName, error) {
	if s == "" {
		return ServerName{}, nil
	}
	parts := strings.Split(s, serverNameSeparator)
	if len(parts) != 3 {
		return ServerName{}, fmt.Errorf("malformed server name %q", s)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return ServerName{}, fmt.Errorf("malformed port in server name %q: %w", s, err)
	}
	code, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return ServerName{}, fmt.Errorf("malformed start code in server name %q: %w", s, err)
	}
	return ServerName{Host: parts[0], Port: port, StartCode: code}, nil
}

// MustParseServerName is ParseServerName for constants; it panics on error.
func MustParseServerName(s string) ServerName {
	sn, err := ParseServerName(s)
	if err != nil {
		panic(err)
	}
	return sn
}
