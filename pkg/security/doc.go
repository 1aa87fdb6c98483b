// Package security provides the mutual-TLS identity material for the
// node's inbound listener and its outbound callbacks to clients.
//
// The node holds one identity certificate (server.crt/server.key, CN
// "Edge") used on both sides of every connection. Inbound connections
// are verified against a bundle of client CAs (client.crt); each
// outbound callback to a specific client is verified against that
// client's own CA file (<client_name>.crt). ServerTLSConfig and
// ClientTLSConfig build the two tls.Config values; the rest of the
// package is generic certificate file handling (save/load, expiry,
// rotation checks) reused by both.
package security
