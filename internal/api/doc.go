// Package api exposes the REST surface of the chat service: the chat
// endpoint driving the orchestrator plus read-only conversation history
// endpoints.
package api
