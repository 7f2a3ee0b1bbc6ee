/*
Package topology answers read-only questions about the mesh: which radio
links are strongest, which nodes were heard recently, and who a node
reference points at.

Links are derived on every query from packet records, never stored. A
packet describes a link when it names both ends: sender and unicast
destination, or sender and the local radio for a broadcast heard directly
(zero hops taken). Observations of the same unordered pair on the same
network collapse into one Link. The best observation is the one with an
SNR, then the higher SNR, then the newer one; the link timestamp is the
newest observation of the pair.

Queries read the store, or the registry's packet buffer when no store is
configured or the store has degraded. Store read failures surface as
storage.ErrStoreUnavailable.
*/
package topology
