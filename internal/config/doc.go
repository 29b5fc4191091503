// Package config loads the abiagentd JSON configuration, fills defaults and
// overlays secrets (signer keys, API keys, connection URLs) from ABIAGENT_*
// environment variables.
package config
