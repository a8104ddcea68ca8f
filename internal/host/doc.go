// Package host runs the single writer of the replicated state. Guests
// register over a session socket or websocket, receive every applied action,
// and call host services such as certificate trust and server probing.
package host
