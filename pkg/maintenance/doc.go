/*
Package maintenance runs the periodic housekeeping of a running bridge.

One goroutine drives two tickers. The key sync ticker pushes every stored
public key into the connected radios. The sweep ticker drops packets older
than the retention window from the store and from the registry's packet
buffer; node attributes, contacts and neighbor records are kept. After
each cycle the node and key gauges are refreshed from the registry.

Stop runs one last sweep so a short-lived process still honours retention.
*/
package maintenance
