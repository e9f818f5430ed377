// Package endpoint parses the source and target locations given on the command
// line into a host part and a filesystem path.
//
// Accepted forms:
//
//	/srv/backup                 local path
//	host:/srv/backup            remote, scp style
//	user@host:/srv/backup       remote, scp style with login
//	ssh://user@host:2222/srv    remote, URL style with optional port
//
// A colon only separates host and path when it appears before the first slash,
// so local paths such as ./a:b stay local.
package endpoint

import (
	"errors"
	"fmt"
	"net"
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrMalformed is the sentinel wrapped by every MalformedError.
var ErrMalformed = errors.New("malformed address")

// MalformedError reports an address that cannot be split into host and path.
type MalformedError struct {
	Input  string
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%s %q: %s", ErrMalformed, e.Input, e.Reason)
}

func (e *MalformedError) Unwrap() error { return ErrMalformed }

// Endpoint is a parsed location. An empty Host means the local machine.
type Endpoint struct {
	User string
	Host string
	Port int // 0 means the transport default
	Path string
}

// Parse splits s into an Endpoint.
func Parse(s string) (Endpoint, error) {
	malformed := func(reason string) (Endpoint, error) {
		return Endpoint{}, &MalformedError{Input: s, Reason: reason}
	}

	if scheme, rest, ok := strings.Cut(s, "://"); ok {
		if scheme != "ssh" {
			return malformed(fmt.Sprintf("unsupported scheme %q", scheme))
		}
		authority, p, hasPath := strings.Cut(rest, "/")
		if !hasPath {
			return malformed("empty path")
		}
		user, hostport, err := splitUser(authority)
		if err != nil {
			return malformed(err.Error())
		}
		host, port, err := splitHostPort(hostport)
		if err != nil {
			return malformed(err.Error())
		}
		if host == "" {
			if user != "" {
				return malformed("user given without host")
			}
			return malformed("empty host")
		}
		return Endpoint{User: user, Host: host, Port: port, Path: "/" + p}, nil
	}

	head := s
	if i := strings.IndexByte(s, '/'); i >= 0 {
		head = s[:i]
	}
	colon := strings.IndexByte(head, ':')
	if colon < 0 {
		if s == "" {
			return malformed("empty path")
		}
		if strings.Contains(head, "@") {
			return malformed("user given without host")
		}
		return Endpoint{Path: s}, nil
	}

	user, host, err := splitUser(s[:colon])
	if err != nil {
		return malformed(err.Error())
	}
	if host == "" {
		if user != "" {
			return malformed("user given without host")
		}
		return malformed("empty host")
	}
	p := s[colon+1:]
	if p == "" {
		return malformed("empty path")
	}
	return Endpoint{User: user, Host: host, Path: p}, nil
}

func splitUser(authority string) (user, rest string, err error) {
	switch strings.Count(authority, "@") {
	case 0:
		return "", authority, nil
	case 1:
		user, rest, _ = strings.Cut(authority, "@")
		if user == "" {
			return "", "", errors.New("empty user")
		}
		return user, rest, nil
	default:
		return "", "", errors.New("more than one '@'")
	}
}

func splitHostPort(hostport string) (string, int, error) {
	if !strings.Contains(hostport, ":") {
		return hostport, 0, nil
	}
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		// A bare IPv6 literal without port.
		if strings.HasPrefix(hostport, "[") && strings.HasSuffix(hostport, "]") {
			return hostport[1 : len(hostport)-1], 0, nil
		}
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

// IsLocal reports whether the endpoint refers to the local machine.
func (e Endpoint) IsLocal() bool { return e.Host == "" }

// Join returns a copy of e with segments appended to its path. Remote paths are
// joined with POSIX semantics regardless of the local operating system.
func (e Endpoint) Join(segments ...string) Endpoint {
	e.Path = e.JoinPath(segments...)
	return e
}

// JoinPath returns e's path with segments appended.
func (e Endpoint) JoinPath(segments ...string) string {
	return e.PathJoiner()(append([]string{e.Path}, segments...)...)
}

// PathJoiner returns the join function of the filesystem e lives on.
func (e Endpoint) PathJoiner() func(elem ...string) string {
	if e.IsLocal() {
		return filepath.Join
	}
	return path.Join
}

// Destination returns the login target, "user@host" or "host".
func (e Endpoint) Destination() string {
	if e.User == "" {
		return e.Host
	}
	return e.User + "@" + e.Host
}

// String renders e in the form rsync accepts: a bare path for local endpoints,
// [user@]host:path otherwise. The port is not part of this form.
func (e Endpoint) String() string {
	if e.IsLocal() {
		return e.Path
	}
	host := e.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if e.User != "" {
		host = e.User + "@" + host
	}
	return host + ":" + e.Path
}
