// Package target parses host[:port] inspection targets.
package target

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/gustycube/sslinspect/internal/store"
)

// DefaultPort is used when a target names no port.
const DefaultPort = 443

var ErrInvalid = errors.New("target: invalid host or port")

type Target struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (t Target) Key() string { return store.IdentityKey(t.Host, t.Port) }

func (t Target) Identity() store.Identity { return store.Identity{Host: t.Host, Port: t.Port} }

func (t Target) String() string { return net.JoinHostPort(t.Host, strconv.Itoa(t.Port)) }

// Apex returns the registrable domain of the target host, or the host itself
// for IP literals and unknown suffixes.
func (t Target) Apex() string { return Apex(t.Host) }

// Parse accepts "host", "host:port", "[v6]:port", a bare IPv6 literal, or an
// https:// URL. Hosts are lowercased and a trailing dot removed.
func Parse(s string) (Target, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "https://")
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return Target{}, fmt.Errorf("%w: empty", ErrInvalid)
	}

	host, port := s, DefaultPort
	if net.ParseIP(s) == nil {
		if h, p, err := net.SplitHostPort(s); err == nil {
			n, err := strconv.Atoi(p)
			if err != nil || n <= 0 || n > 65535 {
				return Target{}, fmt.Errorf("%w: port %q", ErrInvalid, p)
			}
			host, port = h, n
		} else if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
			host = s[1 : len(s)-1]
		}
	}

	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" || strings.ContainsAny(host, " \t") {
		return Target{}, fmt.Errorf("%w: host %q", ErrInvalid, host)
	}
	return Target{Host: host, Port: port}, nil
}

// Read parses one target per line, skipping blanks and # comments.
func Read(r io.Reader) ([]Target, error) {
	var out []Target
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		s := strings.TrimSpace(sc.Text())
		if s == "" || strings.HasPrefix(s, "#") {
			continue
		}
		t, err := Parse(s)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, t)
	}
	return out, sc.Err()
}

func ReadFile(path string) ([]Target, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

func Apex(host string) string {
	h := strings.ToLower(host)
	if net.ParseIP(h) != nil {
		return h
	}
	if e, err := publicsuffix.EffectiveTLDPlusOne(h); err == nil {
		return e
	}
	return h
}
