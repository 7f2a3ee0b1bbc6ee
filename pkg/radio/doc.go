/*
Package radio defines the boundary between meshbridge and the radio
decoders it consumes.

An Interface yields decoded packets and exposes the decoder's live node
database as a NodeCache. The concrete adapters live in subpackages:

	radio/stream       TCP, newline-delimited JSON to a decoder sidecar
	radio/meshtastic   Meshtastic decoder layout
	radio/meshcore     MeshCore companion layout, normalized to the above

Reads are bounded by an idle timeout. ErrIdleTimeout means "nothing yet,
read again"; only transport errors and ErrShortReads mean the connection is
gone.

Key injection never reaches into decoder internals. After writing keys into
the NodeCache, callers use the optional Invalidator or Refresher contract
when the adapter offers one, and do nothing otherwise.
*/
package radio
