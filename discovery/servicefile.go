package discovery

import (
	"strings"

	"github.com/pkg/errors"
)

// ServiceAddr is one parsed listener declaration: a service name, its
// transport family, the TCP port or unix socket path, and the protocol
// ("endpoint-kind") it speaks.
type ServiceAddr struct {
	Service  string
	Family   string // "unix" or "tcp"
	Addr     string // port number (tcp) or filesystem path (unix)
	Protocol string
}

// ParseServiceFile parses one listener declaration of the form
// "<service>@<family>:<port-or-path>@<endpoint-kind>", as
// produced by the service-file iterator over a directory of declared
// listeners.
func ParseServiceFile(line string) (ServiceAddr, error) {
	parts := strings.Split(line, "@")
	if len(parts) != 3 {
		return ServiceAddr{}, errors.Errorf("discovery: malformed service file entry %q: want 3 '@'-separated fields", line)
	}
	service := parts[0]
	endpointKind := parts[2]

	famAddr := strings.SplitN(parts[1], ":", 2)
	if len(famAddr) != 2 {
		return ServiceAddr{}, errors.Errorf("discovery: malformed service file entry %q: missing ':' in family:addr", line)
	}
	family, addr := famAddr[0], famAddr[1]
	if family != "unix" && family != "tcp" {
		return ServiceAddr{}, errors.Errorf("discovery: unknown family %q in entry %q", family, line)
	}
	if service == "" || addr == "" || endpointKind == "" {
		return ServiceAddr{}, errors.Errorf("discovery: malformed service file entry %q: empty field", line)
	}
	return ServiceAddr{Service: service, Family: family, Addr: addr, Protocol: endpointKind}, nil
}
