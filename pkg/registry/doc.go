/*
Package registry holds the in-memory model of the mesh: nodes keyed by
(id, provenance), a bounded buffer of recent packets, and the neighbor
adjacency table built from neighbor-info reports.

Nodes seen on both networks are kept as two records and never merged.
LookupID picks the most recently updated one; LookupIn asks a specific
network.

Every mutation that should outlive the process is forwarded to a Sink,
normally a storage.Writer. UpsertNode forwards only when a significant field
changed, so an identity broadcast repeated every few minutes costs no disk
write.

Each map has its own RWMutex. Callers must not assume that a packet being
in the buffer implies its sender's attributes are already updated.
*/
package registry
