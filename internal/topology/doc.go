// Package topology holds the static node dependency graph of the access
// network.
//
// Each node names the nodes fed through it (downstream). When a node goes
// down, everything downstream of it is affected; the incident engine uses
// the graph to cascade incidents.
//
// Names are canonical upper-case strings. Resolve maps a free-form device
// name to a canonical node using, in order, the alias table, an exact key
// match and a substring match over the keys in sorted order. The substring
// match can pick the wrong node when several keys share a fragment; it is
// kept because field devices report abbreviated names.
//
// A Graph is immutable once built and safe for concurrent use.
package topology
