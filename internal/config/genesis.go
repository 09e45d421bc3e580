package config

import (
	"fmt"
	"os"
)

// starterConfig is written on first run so operators can see every key.
const starterConfig = `# fleetd configuration. Environment variables FLEET_* override these values.
bind_addr: 127.0.0.1:18790
log_level: info
# db_path defaults to $FLEET_HOME/fleet.db
allow_origins: []
heartbeat_interval_seconds: 30
heartbeat_timeout_seconds: 10
write_timeout_seconds: 5
connection_buffer: 256
replay_limit: 1000
# Cron expression for periodic system.snapshot events; empty disables it.
snapshot_schedule: ""
drain_timeout_seconds: 5
rate_limit:
  enabled: false
  requests_per_second: 20
  burst: 40
session_rate_limit:
  messages_per_second: 50
  burst: 100
telemetry:
  enabled: false
  exporter: none
  endpoint: ""
  service_name: fleetd
  sample_rate: 1.0
relay:
  enabled: false
  redis_addr: 127.0.0.1:6379
  redis_db: 0
  stream: "fleet:events"
  max_len: 100000
`

// WriteStarter creates config.yaml in homeDir unless one already exists.
// It reports whether a file was written.
func WriteStarter(homeDir string) (bool, error) {
	path := ConfigPath(homeDir)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("create config.yaml: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(starterConfig); err != nil {
		return false, fmt.Errorf("write config.yaml: %w", err)
	}
	return true, nil
}
