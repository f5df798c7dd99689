// Package store keeps the latest certificate record per host:port identity.
package store

import (
	"strconv"
	"strings"

	"github.com/gustycube/sslinspect/internal/result"
)

// Store maps identity keys to their latest record. Implementations are safe
// for concurrent use; concurrent puts for one key are last-write-wins.
type Store interface {
	// Put replaces any record stored under key.
	Put(key string, rec *result.Record) error
	// Get returns the stored record, or the NotFound sentinel on a miss.
	Get(key string) result.Result
	// Keys lists stored keys in no particular order.
	Keys() []string
}

// IdentityKey derives the store key for host and port: the host lowercased
// with dots replaced by underscores, then "_" and the port. The mapping is
// lossy ("a.b" and "a_b" collide) and cannot be reversed.
func IdentityKey(host string, port int) string {
	return strings.ToLower(strings.ReplaceAll(host, ".", "_")) + "_" + strconv.Itoa(port)
}

// Identity is a structured host:port pair.
type Identity struct {
	Host string
	Port int
}

// Key formats the identity as an IdentityKey.
func (id Identity) Key() string { return IdentityKey(id.Host, id.Port) }

func (id Identity) String() string { return id.Host + ":" + strconv.Itoa(id.Port) }
