/*
Package crudodb is a local-first persistence layer: typed record stores kept
in a local keyed store, mirrored to an optional remote CRUD service and
reconciled with it on demand.

We implement:

1. Record stores (Database), one per logical collection. Every write lands
locally first. Rows the remote has not confirmed carry a dirty flag: C for
created, U for updated, D for deleted (a tombstone, hidden from reads).

2. Sync, which pushes the dirty rows to the remote and then pulls the remote
snapshot, remote wins.

3. The schema registry and the orchestrator (DB). Many logical collections
share one physical instance; its version is the sum of their requested
versions and only ever increases, so every schema change is a real upgrade.

# Technical Details

**Flag index.**
Only dirty rows carry the flag attribute, and every collection has an index
on it, so finding the rows to push never scans clean data.

**Handles.**
The orchestrator owns one handle per physical instance. Stores never keep a
transaction between steps; each operation starts a fresh one through the
handle, which lets the orchestrator close and reopen the instance at a new
version underneath them.

**Write-back.**
A remote call can take a while. Its result replaces the local row only if
the row still has the content that was sent, compared by an xxhash digest of
the row's msgpack encoding, so an edit made meanwhile is never lost.
*/
package crudodb
