// Package validate contains simple input validation helpers.
package validate

import (
	"errors"
	"net"
	"path/filepath"
	"regexp"
	"strings"
)

// usernameRe enforces a conservative username pattern.
var usernameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// pluginNameRe matches plugin names that are safe to place in a console command.
var pluginNameRe = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// Username validates a username string for length and allowed characters.
func Username(s string) error {
	if !usernameRe.MatchString(s) {
		return errors.New("invalid username")
	}
	return nil
}

// PluginName validates a plugin name declared by an uploaded manifest.
func PluginName(s string) error {
	if !pluginNameRe.MatchString(s) {
		return errors.New("invalid plugin name")
	}
	return nil
}

// PropertyValue rejects values that a properties file cannot hold verbatim.
func PropertyValue(s string) error {
	if strings.ContainsAny(s, "#;`\r\n") {
		return errors.New("value contains characters not allowed in server.properties")
	}
	return nil
}

// Dir validates and normalizes a directory the daemon writes into.
func Dir(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", errors.New("directory is required")
	}
	clean, err := filepath.Abs(filepath.Clean(p))
	if err != nil {
		return "", err
	}
	// Reject volume root ("/", "C:\\", etc.).
	if filepath.Dir(clean) == clean {
		return "", errors.New("directory cannot be filesystem root")
	}
	return clean, nil
}

// Network parses either a CIDR string or a single IP address.
func Network(s string) (*net.IPNet, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty network")
	}
	if strings.Contains(s, "/") {
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			return nil, err
		}
		return n, nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, errors.New("invalid ip")
	}
	bits := 128
	if ip.To4() != nil {
		bits = 32
		ip = ip.To4()
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}
