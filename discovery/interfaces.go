// Package discovery defines the narrow interfaces through which the core
// pipeline/topology machinery observes external configuration state:
// reading already-fetched snapshot files from disk and resolving backend
// hostnames, without owning the registry-polling or DNS-refresh loops
// themselves (those remain external collaborators).
package discovery

import "context"

// ConfigCache is the read-side of the snapshot file cache a separate
// registry-polling process maintains on disk. The core only ever reads
// through this interface; it never writes a snapshot file itself.
type ConfigCache interface {
	// Load returns the current raw YAML payload for service and the
	// snapshot's content hash (for change detection), or an error if no
	// snapshot has ever been written for it.
	Load(service string) (yaml []byte, hash string, err error)

	// Watch notifies on ch whenever Load would return a new hash for
	// service. The returned cancel func stops the watch.
	Watch(ctx context.Context, service string, ch chan<- struct{}) (cancel func())
}

// Resolver is the narrow DNS lookup surface topology construction needs to
// turn configured hostnames into dialable addresses; the periodic refresh
// loop itself lives outside the core.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}
