/*
Package loader seeds the registry from the node database of a freshly
connected radio.

A decoder fills its node cache gradually after connect, so the loader first
waits for the cache length to settle (Stabilize), then upserts every cached
node and records any neighbor reports the entries carry. When the cache
keeps growing past MaxWait, whatever is present is loaded and the summary
reports Stable=false.
*/
package loader
