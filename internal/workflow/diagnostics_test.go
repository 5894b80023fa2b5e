package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyrelay/skyrelay/internal/phd2"
	"github.com/skyrelay/skyrelay/internal/task"
)

func TestClassifyHealth(t *testing.T) {
	assert.Equal(t, "EXCELLENT", classifyHealth(5, 5))
	assert.Equal(t, "EXCELLENT", classifyHealth(9, 10))
	assert.Equal(t, "GOOD", classifyHealth(3, 4))
	assert.Equal(t, "WARNING", classifyHealth(2, 4))
	assert.Equal(t, "CRITICAL", classifyHealth(1, 4))
	assert.Equal(t, "CRITICAL", classifyHealth(0, 0))
}

func TestPHD2HealthCheckAllProbesPass(t *testing.T) {
	srv := newScriptedPHD2(t).guidingScript()
	defer srv.close()
	client := srv.connectedClient(t, phd2.StateLooping)

	tk := NewPHD2HealthCheck(deps{phd2: client})
	err := tk.Execute(context.Background(), map[string]any{})
	require.NoError(t, err)

	result := tk.GetResult()
	require.NotNil(t, result)
	assert.Equal(t, 5, result["total"])
	assert.Equal(t, 5, result["passed"])
	assert.Equal(t, "EXCELLENT", result["classification"])
}

func TestPHD2HealthCheckSkipsOptionalProbes(t *testing.T) {
	srv := newScriptedPHD2(t).guidingScript()
	defer srv.close()
	client := srv.connectedClient(t, phd2.StateLooping)

	tk := NewPHD2HealthCheck(deps{phd2: client})
	err := tk.Execute(context.Background(), map[string]any{
		"check_calibration":   false,
		"check_system_params": false,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, tk.GetResult()["total"])
}

func TestPHD2HealthCheckDegradedProbe(t *testing.T) {
	srv := newScriptedPHD2(t).guidingScript()
	defer srv.close()
	srv.mu.Lock()
	srv.results["get_guide_output_enabled"] = false
	srv.results["get_calibrated"] = false
	srv.mu.Unlock()
	client := srv.connectedClient(t, phd2.StateLooping)

	tk := NewPHD2HealthCheck(deps{phd2: client})
	err := tk.Execute(context.Background(), map[string]any{})
	require.NoError(t, err)

	result := tk.GetResult()
	assert.Equal(t, 5, result["total"])
	assert.Equal(t, 3, result["passed"])
	assert.Equal(t, "WARNING", result["classification"])
}

func TestAutoGuideConfigAggressivenessBounds(t *testing.T) {
	tk := NewAutoGuideConfig(deps{})
	_, ok := tk.ValidateParams(map[string]any{"aggressiveness": 0.05})
	assert.False(t, ok)

	tk = NewAutoGuideConfig(deps{})
	_, ok = tk.ValidateParams(map[string]any{"aggressiveness": 1.5})
	assert.False(t, ok)

	tk = NewAutoGuideConfig(deps{})
	_, ok = tk.ValidateParams(map[string]any{"aggressiveness": 0.1})
	assert.True(t, ok)

	tk = NewAutoGuideConfig(deps{})
	_, ok = tk.ValidateParams(map[string]any{"aggressiveness": 1.0})
	assert.True(t, ok)
}

func TestAutoGuideConfigDryRunWritesNothing(t *testing.T) {
	srv := newScriptedPHD2(t).guidingScript()
	defer srv.close()
	client := srv.connectedClient(t, phd2.StateLooping)

	tk := NewAutoGuideConfig(deps{phd2: client})
	err := tk.Execute(context.Background(), map[string]any{
		"aggressiveness": 0.9,
		"dry_run":        true,
	})
	require.NoError(t, err)

	for _, m := range srv.calledMethods() {
		assert.NotEqual(t, "set_exposure", m)
		assert.NotEqual(t, "set_algo_param", m)
	}
	applied, ok := tk.GetResult()["applied"].(map[string]any)
	require.True(t, ok)
	assert.Empty(t, applied)
}

func TestAutoGuideConfigAppliesAndLogsChanges(t *testing.T) {
	srv := newScriptedPHD2(t).guidingScript()
	defer srv.close()
	client := srv.connectedClient(t, phd2.StateLooping)

	tk := NewAutoGuideConfig(deps{phd2: client})
	err := tk.Execute(context.Background(), map[string]any{"aggressiveness": 1.0})
	require.NoError(t, err)

	applied, ok := tk.GetResult()["applied"].(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, applied)

	var logged bool
	for _, h := range tk.History() {
		if h.Message == "exposure adjusted" {
			logged = true
		}
	}
	assert.True(t, logged, "every applied change gets a history entry")
}

func TestRegisterAllInstallsEveryWorkflow(t *testing.T) {
	factory := task.NewFactory()
	RegisterAll(factory, nil, nil)

	names := factory.Names()
	assert.Equal(t, []string{
		AutoGuideConfigName,
		CompleteGuideSetupName,
		GuidedExposureName,
		GuidedSequenceName,
		GuidedSessionName,
		MeridianFlipWorkflowName,
		PHD2HealthCheckName,
	}, names)

	tk, err := factory.Create(CompleteGuideSetupName)
	require.NoError(t, err)
	assert.Equal(t, CompleteGuideSetupName, tk.Name())
	assert.Equal(t, "workflow", tk.Type())
}
