// Package config handles configuration loading for greyzone-gateway.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from GREYZONE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/greyzone/gateway.yaml
//  3. ~/.config/greyzone/gateway.yaml
//
// Files ending in .toml are read as TOML; anything else is YAML. Both use
// the same keys.
//
// # Environment Variables
//
// Values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${GREYZONE_JWT_SECRET}"
//
// GREYZONE_DB_PATH and GREYZONE_BASE_URL override database.path and
// webauthn.base_url after the file is read.
//
// # Durations
//
// Duration values use Go's time.ParseDuration syntax ("30s", "5m", "24h").
// Setting approval.sweep_interval to "0s" disables the background sweeper;
// every other zero duration falls back to its default.
//
// # Sections
//
//	server:      http_addr, tls_cert_file, tls_key_file
//	tailscale:   enabled, hostname, auth_key, state_dir, ephemeral, https, funnel
//	database:    path
//	webauthn:    base_url, rp_id, rp_origins, rp_display_name, strict_counter, challenge_ttl
//	approval:    default_timeout, max_timeout, sweep_interval
//	execution:   shell, work_dir, env, max_output_bytes, timeout
//	auth:        jwt_secret
//	logging:     level (debug|info|warn|error), format (text|json)
//
// See ExampleYAML for a commented starting point.
package config
