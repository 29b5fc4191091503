// Package redis builds go-redis clients from configuration. The event bus
// and the approval lease share it.
package redis
