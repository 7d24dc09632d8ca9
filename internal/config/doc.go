// Package config handles configuration loading for relay-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// Load applies defaults and then validates the result.
//
// # Configuration File
//
// DefaultPath resolves, in order:
//
//  1. Path from RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/relay/gateway.yaml
//  3. ~/.config/relay/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${RELAY_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	webhook:
//	  timeout: "30s"
//	realtime:
//	  reconnect_min: "500ms"
//	  reconnect_max: "30s"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
//	database:
//	  driver: "sqlite"              # sqlite or postgres
//	  path: "/var/lib/relay/relay.db"
//	  dsn: "${RELAY_DATABASE_URL}"  # postgres only
//
//	auth:
//	  jwt_secret: "${RELAY_JWT_SECRET}"  # empty = development mode (X-User-ID)
//
//	webhook:
//	  timeout: "30s"
//	  user_agent: "relay-gateway"
//
//	realtime:
//	  driver: "memory"   # memory, amqp or redis
//	  amqp_url: "${RELAY_AMQP_URL}"
//	  amqp_exchange: "relay.events"
//	  redis_url: "${RELAY_REDIS_URL}"
//	  buffer_size: 64
//
//	media:
//	  dir: "/var/lib/relay/media"
//	  base_url: "https://chat.example.com/media"
//	  max_bytes: 20971520
//
//	tailscale:
//	  enabled: false
//	  hostname: "relay"
//	  auth_key: "${TS_AUTHKEY}"
//	  funnel: false
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	tenants:          # upserted into the store at startup
//	  - slug: "acme"
//	    webhook_url: "https://hooks.example.com/acme"
//	    status: "active"
package config
