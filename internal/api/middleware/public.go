package middleware

import "sync"

//nolint:gochecknoglobals // route setup registers probe paths once at startup
var publicEndpoints = struct {
	sync.RWMutex

	paths map[string]bool
}{paths: map[string]bool{}}

// RegisterPublicEndpoint marks path as a probe endpoint: it bypasses rate
// limiting and is logged at debug level.
func RegisterPublicEndpoint(path string) {
	publicEndpoints.Lock()
	defer publicEndpoints.Unlock()

	publicEndpoints.paths[path] = true
}

// IsPublicEndpoint reports whether path was registered as public.
func IsPublicEndpoint(path string) bool {
	publicEndpoints.RLock()
	defer publicEndpoints.RUnlock()

	return publicEndpoints.paths[path]
}
