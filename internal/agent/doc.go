// Package agent registers chatbot agents bound to a contract ABI. A record is
// written in two phases (insert, then snippet backfill) and removed again when
// the inference side refuses the agent spec.
package agent
