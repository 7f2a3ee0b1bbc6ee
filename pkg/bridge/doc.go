/*
Package bridge wires a meshbridge process together from its configuration.

New opens the configured store, restores known nodes into the registry and
builds the ingestion pipeline with one reader per enabled radio interface.
Start launches the event broker, the maintenance loop, the optional
health/metrics listener and the readers.

Shutdown tears things down in dependency order:

 1. cancel the readers and wait for each to close its transport
 2. stop maintenance, which runs a final retention sweep
 3. drain the write queue
 4. close the store
 5. stop the event broker

The /health, /ready and /metrics endpoints are served by HealthServer.
*/
package bridge
