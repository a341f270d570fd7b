// Package trackerd is the tracker server process (spec §4, §6): it
// accepts wire-protocol connections, dispatches every tracker-side
// command against pkg/registry, and drives the periodic work a tracker
// owns on its own — heartbeat liveness sweeping (pkg/reconciler) and
// periodic metrics republishing — independent of whether any client is
// currently connected. The pkg/trackerpeer election is only consulted
// (leader flag, leader-change count); no leader lease is kept.
//
// Request handling never blocks on the registry's write lock for longer
// than one mutation: every mutating handler changes pkg/registry
// directly and, on success, publishes a pkg/events notification that a
// background subscriber uses to keep pkg/adminstore current. Request
// handlers never write to adminstore; the listing handlers read from it.
package trackerd
