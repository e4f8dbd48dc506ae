package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

const (
	StatusOK          = "ok"
	StatusUnreachable = "unreachable"
	StatusUnhealthy   = "unhealthy"
)

// Probe names an upstream and the URL used to test that it answers.
type Probe struct {
	Name string
	URL  string
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
	Healthy   bool              `json:"-"`
	Issues    []string          `json:"issues,omitempty"`
}

// Static reports every named service as ok without contacting it.
func Static(names ...string) *HealthStatus {
	status := &HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Services:  make(map[string]string, len(names)),
		Healthy:   true,
	}
	for _, name := range names {
		status.Services[name] = StatusOK
	}
	return status
}

// Check runs every probe concurrently. Any response below 500 counts as
// reachable; auth failures still prove the upstream is up.
func Check(ctx context.Context, client *http.Client, probes []Probe) *HealthStatus {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	status := &HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Services:  make(map[string]string, len(probes)),
		Healthy:   true,
		Issues:    []string{},
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, p := range probes {
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()
			result, issue := probe(ctx, client, p)
			mu.Lock()
			defer mu.Unlock()
			status.Services[p.Name] = result
			if issue != "" {
				status.Healthy = false
				status.Issues = append(status.Issues, issue)
			}
		}(p)
	}
	wg.Wait()

	sort.Strings(status.Issues)
	if !status.Healthy {
		status.Status = "degraded"
	}
	return status
}

func probe(ctx context.Context, client *http.Client, p Probe) (string, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return StatusUnreachable, fmt.Sprintf("%s: %v", p.Name, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return StatusUnreachable, fmt.Sprintf("cannot reach %s: %v", p.Name, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return StatusUnhealthy, fmt.Sprintf("%s unhealthy: %d", p.Name, resp.StatusCode)
	}
	return StatusOK, ""
}
