// Package signaling defines the JSON frames exchanged with the rendezvous
// service: room membership (join, joined, leave, left, user-joined,
// user-left), relayed negotiation (offer, answer, ice-candidate) and server
// errors.
//
// Frames carry a "type" discriminator. Negotiation payloads travel in a shared
// "data" member whose shape depends on the kind.
package signaling
