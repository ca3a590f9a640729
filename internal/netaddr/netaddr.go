// Package netaddr discovers the address advertised for passive transfers.
package netaddr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// DefaultEchoURL answers a plain-text GET with the caller's public IP.
const DefaultEchoURL = "https://api.ipify.org"

// Resolver looks up public and local addresses.
type Resolver struct {
	EchoURL string
	Client  *http.Client
}

// PublicIP asks DefaultEchoURL for this host's public address.
func PublicIP(ctx context.Context) (string, error) {
	return Resolver{}.PublicIP(ctx)
}

// PublicIP asks the echo service for this host's public address.
func (r Resolver) PublicIP(ctx context.Context) (string, error) {
	url := r.EchoURL
	if url == "" {
		url = DefaultEchoURL
	}
	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("public ip: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("public ip: unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return "", fmt.Errorf("public ip: %w", err)
	}
	ip := net.ParseIP(strings.TrimSpace(string(body)))
	if ip == nil {
		return "", fmt.Errorf("public ip: invalid answer %q", strings.TrimSpace(string(body)))
	}
	return ip.String(), nil
}

// LocalIP returns the first non-loopback IPv4 address of an up interface.
func LocalIP() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if v4 := ipn.IP.To4(); v4 != nil && !v4.IsLoopback() && !v4.IsLinkLocalUnicast() {
				return v4.String(), nil
			}
		}
	}
	return "", errors.New("no non-loopback IPv4 address found")
}
