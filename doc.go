// Package rabbit implements a WAMPv2 router - The Web Application Messaging Protocol.
//
// A Router accepts peers over WebSocket (JSON or MessagePack), WAMP raw
// socket or an in-process transport, groups them into realms and routes
// publish/subscribe and remote procedure call messages between them. Every
// message runs through an ordered list of middleware handlers; the built-in
// handlers implement the protocol and Router.Use can add more in front of
// them.
//
// See the official WAMP documentation at http://wamp.ws for more details on the
// protocol.
package rabbit
