/*
Package ingest reads packets from radio interfaces and feeds them into the
registry.

One Reader per interface moves through Disconnected, Connecting and
Reading. Every reconnect builds a fresh interface from the radio.Factory so
nothing from a dead transport survives. Reconnect delays come from a
cenkalti/backoff exponential policy that restarts after every successful
connect; after MaxRetries consecutive failures the reader
publishes interface.failed, calls OnGiveUp and stops, while the other
readers keep going.

Pipeline.Process handles one packet: classify, extract by port, upsert the
sender, record the packet. Identity broadcasts go through the key
synchronizer so names and key land in one node write, and reach the
contacts table only when they changed something. Text is published as text.received
for whatever chat dispatcher subscribes.
*/
package ingest
