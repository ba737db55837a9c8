package env

import "os"

// Prefix namespaces every variable this service reads.
const Prefix = "PAYRECON_"

// Get returns the value of the given environment variable or a fallback.
func Get(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

// Prefixed reads PAYRECON_<key> first, then the bare key used by hosting
// platforms (PORT, LOG_FORMAT), then the fallback.
func Prefixed(key, fallback string) string {
	if val := os.Getenv(Prefix + key); val != "" {
		return val
	}
	return Get(key, fallback)
}
