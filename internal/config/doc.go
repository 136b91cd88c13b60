// Package config handles configuration loading for wagate.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable
// expansion, then a fixed set of deployment variables is applied on top.
// Every section has defaults, so a minimal file only needs reply.url.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from WAGATE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/wagate/gateway.yaml
//  3. ~/.config/wagate/gateway.yaml
//
// # Environment Variables
//
// ${VAR_NAME} references inside the file are expanded before parsing.
// The following variables override file values when set:
//
//	PORT           server.http_addr becomes 0.0.0.0:$PORT
//	API_KEY        auth.api_key
//	SESSION_STORE  store.backend (sqlite, redis, file; "filesystem" means file)
//	LOG_LEVEL      logging.level
//	CORS_ORIGINS   server.cors_origins (comma separated)
//	REPLY_URL      reply.url
//	REPLY_API_KEY  reply.api_key
//	REDIS_ADDR     store.redis_addr
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  grpc_addr: ""            # optional grpc.health.v1 endpoint
//	  shutdown_grace: "5s"
//	  cors_origins: ["*"]
//
//	store:
//	  backend: "sqlite"        # sqlite, redis, file
//	  sqlite_path: "data/wagate.db"
//
//	engine:
//	  driver: "whatsapp"       # whatsapp, matrix
//	  profiles_dir: "profiles"
//
//	sessions:
//	  connect_timeout: "60s"
//
//	reply:
//	  url: "https://replies.example.com/v1/reply"
//	  api_key: "${REPLY_API_KEY}"
//	  timeout: "30s"
//
//	delivery:
//	  max_len: 4000
//	  backoff: "400ms"
//
//	messages:
//	  country_code: "55"
//	  dedupe_ttl: "10m"
//
// # Usage
//
//	cfg, err := config.Load("/etc/wagate/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
