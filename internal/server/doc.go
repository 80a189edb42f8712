// Package server is the network edge of huddle. It upgrades WebSocket
// connections, runs one read and one write pump per connection, decodes
// event envelopes and hands them to the chat router and signaling relay.
//
// The Hub owns the set of open connections and implements chat.Transport.
// Uploads arrive over plain HTTP and are served back from the upload
// directory.
package server
