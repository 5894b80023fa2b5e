package workflow

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyrelay/skyrelay/internal/phd2"
	"github.com/skyrelay/skyrelay/internal/task"
)

func TestCompleteGuideSetupHappyPath(t *testing.T) {
	srv := newScriptedPHD2(t).guidingScript()
	defer srv.close()
	client := srv.connectedClient(t, phd2.StateLooping)

	tk := NewCompleteGuideSetup(deps{phd2: client})
	err := tk.Execute(context.Background(), map[string]any{
		"retry_count":         2,
		"settle_time":         1,
		"calibration_timeout": 30,
	})
	require.NoError(t, err)

	result := tk.GetResult()
	require.NotNil(t, result)
	assert.Equal(t, "ok", result["status"])
	assert.Equal(t, "Guiding", result["final_state"])
	assert.NotNil(t, result["setup_time_s"])

	// Both the calibration pass and the guide-start pass issue a guide
	// call; the auto-star path runs once.
	calls := srv.calledMethods()
	assert.Contains(t, calls, "find_star")
	assert.Contains(t, calls, "set_lock_position")
	guideCalls := 0
	for _, m := range calls {
		if m == "guide" {
			guideCalls++
		}
	}
	assert.Equal(t, 2, guideCalls)
}

func TestCompleteGuideSetupSkipsStarSelection(t *testing.T) {
	srv := newScriptedPHD2(t).guidingScript()
	defer srv.close()
	client := srv.connectedClient(t, phd2.StateLooping)

	tk := NewCompleteGuideSetup(deps{phd2: client})
	err := tk.Execute(context.Background(), map[string]any{
		"auto_find_star":      false,
		"retry_count":         2,
		"settle_time":         1,
		"calibration_timeout": 30,
	})
	require.NoError(t, err)
	assert.NotContains(t, srv.calledMethods(), "find_star")
}

func TestCompleteGuideSetupFailureNamesState(t *testing.T) {
	srv := newScriptedPHD2(t).guidingScript()
	defer srv.close()
	srv.setError("loop", "camera not connected")
	client := srv.connectedClient(t, phd2.StateLooping)

	tk := NewCompleteGuideSetup(deps{phd2: client})
	err := tk.Execute(context.Background(), map[string]any{"retry_count": 1})
	require.Error(t, err)

	taskErr, ok := err.(*task.Error)
	require.True(t, ok)
	assert.Equal(t, task.DeviceError, taskErr.Kind)
	assert.Nil(t, tk.GetResult(), "a failed workflow leaves the result slot empty")

	var mentioned bool
	for _, h := range tk.History() {
		if strings.Contains(h.Message, "StartLooping") {
			mentioned = true
		}
	}
	assert.True(t, mentioned, "history must name the failed state")
}

func TestCompleteGuideSetupMissingClientIsDependencyError(t *testing.T) {
	tk := NewCompleteGuideSetup(deps{})
	err := tk.Execute(context.Background(), map[string]any{})
	require.Error(t, err)
	taskErr, ok := err.(*task.Error)
	require.True(t, ok)
	assert.Equal(t, task.DependencyError, taskErr.Kind)
}

func TestCompleteGuideSetupRetryCountBounds(t *testing.T) {
	tk := NewCompleteGuideSetup(deps{})
	_, ok := tk.ValidateParams(map[string]any{"retry_count": 0})
	assert.False(t, ok)

	tk = NewCompleteGuideSetup(deps{})
	_, ok = tk.ValidateParams(map[string]any{"retry_count": 1})
	assert.True(t, ok)

	tk = NewCompleteGuideSetup(deps{})
	_, ok = tk.ValidateParams(map[string]any{"retry_count": 100})
	assert.True(t, ok)

	tk = NewCompleteGuideSetup(deps{})
	_, ok = tk.ValidateParams(map[string]any{"retry_count": 101})
	assert.False(t, ok)
}
