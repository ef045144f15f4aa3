// Package server exposes the chat delivery core over HTTP.
//
// It owns configuration, the chi router with its REST API under /api, the
// WebSocket endpoint at /ws/chat/{chatID} and the per-connection read and write
// pumps. Admission, fan-out and the connection registry live in package hub;
// this package adapts gorilla/websocket connections to hub.Transport.
package server
