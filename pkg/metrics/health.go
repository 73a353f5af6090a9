package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Component states as reported by /health/components
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// DefaultCriticalComponents gate readiness: the raft view, the ledger store
// and the reconcile scheduler
var DefaultCriticalComponents = []string{"raft", "storage", "scheduler"}

// ComponentHealth is the last state a component reported
type ComponentHealth struct {
	Healthy bool      `json:"healthy"`
	Message string    `json:"message,omitempty"`
	Updated time.Time `json:"updated"`
}

// HealthStatus is the /health/components body
type HealthStatus struct {
	Status     string                     `json:"status"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime"`
	Components map[string]ComponentHealth `json:"components"`
}

// Readiness says whether every critical component reported healthy.
// Waiting lists the ones that have not, in name order.
type Readiness struct {
	Ready   bool
	Waiting []string
	States  map[string]string
}

type componentSet struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	critical   []string
	started    time.Time
	version    string
}

var components = &componentSet{
	components: make(map[string]ComponentHealth),
	critical:   DefaultCriticalComponents,
	started:    time.Now(),
}

// SetVersion sets the build version reported by the health endpoints
func SetVersion(version string) {
	components.mu.Lock()
	defer components.mu.Unlock()
	components.version = version
}

// SetCriticalComponents replaces the components readiness waits for
func SetCriticalComponents(names ...string) {
	components.mu.Lock()
	defer components.mu.Unlock()
	components.critical = append([]string(nil), names...)
}

// Reset forgets every reported component and restores the default critical set
func Reset() {
	components.mu.Lock()
	defer components.mu.Unlock()
	components.components = make(map[string]ComponentHealth)
	components.critical = DefaultCriticalComponents
}

// UpdateComponent records the current health of a named component. message
// is kept only while the component is unhealthy.
func UpdateComponent(name string, healthy bool, message string) {
	if healthy {
		message = ""
	}
	components.mu.Lock()
	defer components.mu.Unlock()
	components.components[name] = ComponentHealth{
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// GetHealth reports every component; the process is unhealthy when any of
// them is
func GetHealth() HealthStatus {
	components.mu.RLock()
	defer components.mu.RUnlock()

	out := HealthStatus{
		Status:     StatusHealthy,
		Version:    components.version,
		Uptime:     time.Since(components.started).Round(time.Second).String(),
		Components: make(map[string]ComponentHealth, len(components.components)),
	}
	for name, c := range components.components {
		out.Components[name] = c
		if !c.Healthy {
			out.Status = StatusUnhealthy
		}
	}
	return out
}

// GetReadiness checks the critical components. A critical component that
// never reported counts as not ready.
func GetReadiness() Readiness {
	components.mu.RLock()
	defer components.mu.RUnlock()

	r := Readiness{Ready: true, States: make(map[string]string, len(components.critical))}
	for _, name := range components.critical {
		c, ok := components.components[name]
		switch {
		case !ok:
			r.States[name] = "not reported"
		case !c.Healthy:
			r.States[name] = "waiting: " + c.Message
		default:
			r.States[name] = "ready"
			continue
		}
		r.Ready = false
		r.Waiting = append(r.Waiting, name)
	}
	sort.Strings(r.Waiting)
	return r
}

// HealthHandler serves GetHealth, 503 while any component is unhealthy
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := GetHealth()
		code := http.StatusOK
		if health.Status != StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, health)
	}
}

// LivenessHandler answers 200 for as long as the process serves HTTP
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		components.mu.RLock()
		started := components.started
		components.mu.RUnlock()

		writeJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": time.Since(started).Round(time.Second).String(),
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
