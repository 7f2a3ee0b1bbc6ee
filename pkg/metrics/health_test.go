package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterComponent(t *testing.T) {
	ResetForTest()

	RegisterComponent(ComponentStorage, true, "sqlite")

	comp, ok := Component(ComponentStorage)
	require.True(t, ok)
	assert.True(t, comp.Healthy)
	assert.Equal(t, "sqlite", comp.Message)
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		wantStatus string
	}{
		{
			name:       "all healthy",
			components: map[string]bool{ComponentStorage: true, InterfaceComponent("mt"): true},
			wantStatus: "healthy",
		},
		{
			name:       "one interface down degrades",
			components: map[string]bool{ComponentStorage: true, InterfaceComponent("mt"): false, InterfaceComponent("mc"): true},
			wantStatus: "degraded",
		},
		{
			name:       "storage down is unhealthy",
			components: map[string]bool{ComponentStorage: false, InterfaceComponent("mt"): true},
			wantStatus: "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ResetForTest()
			for name, healthy := range tt.components {
				RegisterComponent(name, healthy, "test")
			}

			health := GetHealth()
			assert.Equal(t, tt.wantStatus, health.Status)
			assert.Len(t, health.Components, len(tt.components))
		})
	}
}

func TestGetReadiness(t *testing.T) {
	ResetForTest()
	SetCriticalComponents(ComponentStorage, ComponentMaintenance)

	readiness := GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.NotEmpty(t, readiness.Message)

	RegisterComponent(ComponentStorage, true, "")
	RegisterComponent(ComponentMaintenance, true, "")

	readiness = GetReadiness()
	assert.Equal(t, "ready", readiness.Status)
}

func TestHealthHandler(t *testing.T) {
	ResetForTest()
	SetVersion("test")
	RegisterComponent(ComponentStorage, true, "")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	HealthHandler()(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var health HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "test", health.Version)
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	ResetForTest()
	RegisterComponent(ComponentStorage, false, "disk full")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	HealthHandler()(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
