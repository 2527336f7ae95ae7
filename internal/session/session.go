// Package session tracks live WebSocket connections in Redis: which server
// instance holds them and which participant, if any, they are signed in as.
package session
