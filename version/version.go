// Package version provides the client-identification string advertised
// in the BEP 10 extension handshake's "v" field.
package version

// DefaultExtendedHandshakeClientVersion is sent as the "v" key of the
// extension handshake unless the engine is configured with an
// application-specific override.
var DefaultExtendedHandshakeClientVersion = "peerwire 0.1.0"
