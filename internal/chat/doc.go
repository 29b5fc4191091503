// Package chat holds per-session conversation state and the dispatch loop
// that turns one user message into inference, contract calls, approvals and
// assistant replies.
package chat
