package instance

import (
	"os"

	"github.com/angelmondragon/payment-reconciler/pkg/env"
)

// GetID identifies this worker process in logs and alert bodies.
func GetID() string {
	if id := env.Prefixed("WORKER_ID", ""); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "worker-0"
}
