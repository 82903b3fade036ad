// Package incident turns device up/down notifications into a deduplicated,
// cascading incident ledger.
//
// # Event Flow
//
// Engine.HandleEvent processes one notification:
//
//  1. Resolver maps the reported device (and optional IP) to a canonical
//     node, deciding whether the failure is PON-scoped or whole-node.
//  2. Open incidents are checked for the raw and canonical names, with and
//     without the "NODO " prefix.
//  3. A down event for an untracked node opens an incident. Whole-node
//     failures cascade: every node downstream in the topology gets a child
//     incident with CausedByNode set.
//  4. An up event for a tracked node closes it with its restore time and
//     closes its open children.
//
// The status cache is updated on every valid event whatever the outcome.
//
// # Deduplication
//
// The store enforces at most one open incident per node key with a partial
// unique index, so two concurrent down events cannot both create one. The
// loser receives ErrOpenIncidentExists and reports "already active".
package incident
