// Package secure wraps a net.Conn into an encrypted, authenticated stream.
//
// The handshake exchanges ephemeral x25519 keys. The server signs both keys
// together with its kademlia.ID, so a client that knows the server's public
// key can tell it is talking to the right peer. Each direction then gets its
// own ChaCha20-Poly1305 key derived with HKDF-SHA256.
package secure
