// Package leap is a client for Lutron's LEAP (Lutron Electronic Access
// Protocol) home-automation bridges: Caséta, RA2 Select, RA3, and HomeWorks
// QSX processors.
//
// It speaks newline-delimited JSON over a mutually-authenticated TLS
// connection, maintains a live in-memory model of the bridge's areas,
// devices, zones, buttons and occupancy groups, applies incremental state
// updates streamed from the bridge, and exposes an API for issuing commands
// and subscribing to state changes.
//
// A client certificate is obtained once via Pair, then reused by Bridge to
// connect, bootstrap the device model and stay connected across reconnects.
package leap
