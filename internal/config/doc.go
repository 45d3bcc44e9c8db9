// Package config handles configuration loading for coven-chat.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by the .toml
// extension) with environment variable expansion. Keys absent from the file
// keep the values from Default().
//
// # Configuration File
//
// Locations, highest priority first:
//
//  1. The --config flag
//  2. Path from the COVEN_CHAT_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/coven/chat.yaml
//  4. ~/.config/coven/chat.yaml
//
// A missing file at one of the default locations is not an error; the
// built-in defaults are used instead.
//
// # Environment Variable Expansion
//
//	notifier:
//	  redis_password: "${COVEN_REDIS_PASSWORD}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	store:
//	  backend: "sqlite"        # sqlite or remote
//	  driver: "sqlite"         # sqlite (pure Go) or sqlite3 (cgo)
//	  path: "~/.local/share/coven/chat.db"
//	  url: "http://localhost:8090"   # remote only
//
//	notifier:
//	  backend: "memory"        # memory or redis
//	  redis_addr: "localhost:6379"
//	  redis_db: 0
//	  channel_prefix: "coven-chat"
//
//	agent:
//	  url: "http://localhost:8000"
//	  timeout: "60s"           # empty: no client-side timeout
//
//	server:
//	  store_addr: "localhost:8090"
//	  agent_addr: "localhost:8000"
//
//	sync:
//	  reload_timeout: "10s"
//
//	logging:
//	  level: "info"            # debug, info, warn, error
//	  format: "text"           # text or json
//	  file: ""                 # optional JSON log file
//
// # Usage
//
//	cfg, path, err := config.LoadOrDefault(flagPath)
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
