package handlers

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Pinger is a dependency that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependency is a named readiness check. Only critical dependencies can make the
// engine unready; the others report "degraded" (the scheduler falls back to its
// local run guard without redis, and events stay in-process without a broker).
type Dependency struct {
	Name     string
	Pinger   Pinger
	Critical bool
}

// HealthHandler responds to liveness and readiness probes.
type HealthHandler struct {
	serviceName  string
	version      string
	started      time.Time
	dependencies []Dependency
}

// NewHealthHandler returns a new handler instance. Dependencies without a pinger are ignored.
func NewHealthHandler(serviceName, version string, dependencies ...Dependency) *HealthHandler {
	deps := make([]Dependency, 0, len(dependencies))
	for _, dep := range dependencies {
		if dep.Pinger != nil {
			deps = append(deps, dep)
		}
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].Name < deps[j].Name })
	return &HealthHandler{serviceName: serviceName, version: version, started: time.Now(), dependencies: deps}
}

// Live reports service liveness.
func (h *HealthHandler) Live(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":         "alive",
		"service":        h.serviceName,
		"version":        h.version,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	})
}

// Ready pings every dependency concurrently.
func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	results := make([]error, len(h.dependencies))
	var wg sync.WaitGroup
	for i, dep := range h.dependencies {
		wg.Add(1)
		go func(i int, p Pinger) {
			defer wg.Done()
			results[i] = p.Ping(ctx)
		}(i, dep.Pinger)
	}
	wg.Wait()

	depStatus := fiber.Map{}
	status := "ready"
	for i, dep := range h.dependencies {
		if err := results[i]; err != nil {
			depStatus[dep.Name] = err.Error()
			if dep.Critical {
				status = "unavailable"
			} else if status == "ready" {
				status = "degraded"
			}
			continue
		}
		depStatus[dep.Name] = "ok"
	}

	if status != "unavailable" {
		return c.JSON(fiber.Map{
			"status":       status,
			"dependencies": depStatus,
		})
	}

	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "DEPENDENCY_UNAVAILABLE",
			"message": "one or more critical dependencies unavailable",
			"details": depStatus,
		},
	})
}
