// Package codec provides packet.Codec implementations for message bodies.
package codec
