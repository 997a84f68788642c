package rulestore

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// maxRedirects is the redirect hop limit for dataset downloads.
const maxRedirects = 5

// lookupIP is swapped out in tests.
var lookupIP = func(ctx context.Context, host string) ([]net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return ips, nil
}

// validateURL is swapped out in tests that serve from loopback.
var validateURL = validateDatasetURL

// download fetches url into dest. The refresh URL is operator-configurable,
// so every hop is checked against the private-range table before connecting
// (confused-deputy defense). Any failure removes the partial file.
func download(ctx context.Context, rawURL, dest string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := validateURL(ctx, rawURL); err != nil {
		return err
	}

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return validateURL(req.Context(), req.URL.String())
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch dataset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch dataset: HTTP %d", resp.StatusCode)
	}

	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}

	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(dest)
		return fmt.Errorf("write %s: %w", dest, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(dest)
		return fmt.Errorf("close %s: %w", dest, err)
	}
	return nil
}

// validateDatasetURL enforces the scheme and rejects hosts that resolve into
// loopback, private, link-local, CGNAT, documentation, multicast, or reserved
// ranges, including IPv4-mapped IPv6 and decimal-encoded all-numeric hosts.
func validateDatasetURL(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid dataset URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("dataset URL scheme must be http or https; got %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("dataset URL has no host")
	}

	if ip := parseHostIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("dataset host %s is in a private or reserved range", host)
		}
		return nil
	}

	// Hostname form: resolve and check every address.
	ips, err := lookupIP(ctx, host)
	if err != nil {
		return fmt.Errorf("resolve dataset host %s: %w", host, err)
	}
	for _, ip := range ips {
		if isBlockedIP(ip) {
			return fmt.Errorf("dataset host %s resolves to private or reserved address %s", host, ip)
		}
	}
	return nil
}

// parseHostIP recognises IP literals including decimal-encoded all-numeric
// hostnames (e.g. "2130706433" for 127.0.0.1).
func parseHostIP(host string) net.IP {
	if ip := net.ParseIP(host); ip != nil {
		return ip
	}
	if isAllDigits(host) {
		if v, err := strconv.ParseUint(host, 10, 32); err == nil {
			return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
		}
	}
	return nil
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// isBlockedIP reports whether ip falls in any non-routable or reserved range.
func isBlockedIP(ip net.IP) bool {
	ip16 := ip.To16()
	if ip16 == nil {
		return true
	}
	for _, block := range blockedBlocks {
		if block.Contains(ip16) {
			return true
		}
	}
	return false
}

// blockedBlocks contains loopback, private, link-local, CGNAT, documentation,
// benchmarking, multicast, and reserved ranges, with IPv4-mapped IPv6 forms.
var blockedBlocks = func() []*net.IPNet {
	cidrs := []string{
		// IPv4
		"0.0.0.0/8",
		"10.0.0.0/8",
		"100.64.0.0/10", // CGNAT (RFC 6598)
		"127.0.0.0/8",
		"169.254.0.0/16",
		"172.16.0.0/12",
		"192.0.0.0/24",
		"192.0.2.0/24", // documentation (TEST-NET-1)
		"192.168.0.0/16",
		"198.18.0.0/15",   // benchmarking
		"198.51.100.0/24", // documentation (TEST-NET-2)
		"203.0.113.0/24",  // documentation (TEST-NET-3)
		"224.0.0.0/4",     // multicast
		"240.0.0.0/4",     // reserved
		// IPv4-mapped in IPv6
		"::ffff:0.0.0.0/104",
		"::ffff:10.0.0.0/104",
		"::ffff:127.0.0.0/104",
		"::ffff:169.254.0.0/112",
		"::ffff:172.16.0.0/108",
		"::ffff:192.168.0.0/112",
		// IPv6
		"::/128",         // unspecified
		"::1/128",        // loopback
		"100::/64",       // discard
		"2001:db8::/32",  // documentation
		"fc00::/7",       // ULA
		"fe80::/10",      // link-local
		"ff00::/8",       // multicast
	}
	blocks := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("invalid blocked CIDR: " + cidr)
		}
		blocks = append(blocks, block)
	}
	return blocks
}()
