package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

var (
	up   = pingFunc(func(context.Context) error { return nil })
	down = pingFunc(func(context.Context) error { return errors.New("connection refused") })
)

func ready(t *testing.T, deps ...Dependency) (int, map[string]any) {
	t.Helper()
	app := fiber.New()
	app.Get("/ready", NewHealthHandler("engine", "test", deps...).Ready)

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/ready", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestReadyDistinguishesCriticalDependencies(t *testing.T) {
	status, body := ready(t,
		Dependency{Name: "postgres", Pinger: up, Critical: true},
		Dependency{Name: "redis", Pinger: up},
	)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "ready", body["status"])

	status, body = ready(t,
		Dependency{Name: "postgres", Pinger: up, Critical: true},
		Dependency{Name: "redis", Pinger: down},
	)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "connection refused", body["dependencies"].(map[string]any)["redis"])

	status, body = ready(t,
		Dependency{Name: "postgres", Pinger: down, Critical: true},
		Dependency{Name: "amqp", Pinger: nil},
	)
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
	details := body["error"].(map[string]any)["details"].(map[string]any)
	assert.Len(t, details, 1)
	assert.Equal(t, "connection refused", details["postgres"])
}
