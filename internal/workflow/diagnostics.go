package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/skyrelay/skyrelay/internal/phd2"
	"github.com/skyrelay/skyrelay/internal/task"
	"github.com/skyrelay/skyrelay/pkg/healthcheck"
)

// PHD2HealthCheckName and AutoGuideConfigName are the registered task
// type names.
const (
	PHD2HealthCheckName = "phd2_health_check"
	AutoGuideConfigName = "auto_guide_config"
)

func phd2HealthCheckSchema() *task.Schema {
	return task.NewSchema().
		Add(task.ParamSpec{Name: "check_calibration", Type: task.TypeBoolean, Default: true}).
		Add(task.ParamSpec{Name: "check_system_params", Type: task.TypeBoolean, Default: true})
}

// probeConnectivity checks the PHD2 transport connection state.
func probeConnectivity(client *phd2.Client) healthcheck.Checker {
	return healthcheck.CheckFunc("connectivity", func(ctx context.Context) *healthcheck.Result {
		status := healthcheck.StatusHealthy
		msg := "connected"
		if !client.IsConnected() {
			status = healthcheck.StatusUnhealthy
			msg = "not connected"
		}
		return &healthcheck.Result{ComponentName: "connectivity", Status: status, Message: msg, Timestamp: time.Now()}
	})
}

func probeCameraConfig(client *phd2.Client) healthcheck.Checker {
	return healthcheck.CheckFunc("camera_config", func(ctx context.Context) *healthcheck.Result {
		_, err := client.GetExposure(ctx)
		status := healthcheck.StatusHealthy
		msg := "camera configured"
		if err != nil {
			status = healthcheck.StatusUnhealthy
			msg = err.Error()
		}
		return &healthcheck.Result{ComponentName: "camera_config", Status: status, Message: msg, Timestamp: time.Now()}
	})
}

func probeGuideOutput(client *phd2.Client) healthcheck.Checker {
	return healthcheck.CheckFunc("guide_output", func(ctx context.Context) *healthcheck.Result {
		enabled, err := client.GetGuideOutputEnabled(ctx)
		status := healthcheck.StatusHealthy
		msg := "guide output enabled"
		if err != nil {
			status = healthcheck.StatusUnhealthy
			msg = err.Error()
		} else if !enabled {
			status = healthcheck.StatusDegraded
			msg = "guide output disabled"
		}
		return &healthcheck.Result{ComponentName: "guide_output", Status: status, Message: msg, Timestamp: time.Now()}
	})
}

func probeCalibration(client *phd2.Client) healthcheck.Checker {
	return healthcheck.CheckFunc("calibration", func(ctx context.Context) *healthcheck.Result {
		calibrated, err := client.IsCalibrated(ctx)
		status := healthcheck.StatusHealthy
		msg := "calibrated"
		if err != nil {
			status = healthcheck.StatusUnhealthy
			msg = err.Error()
		} else if !calibrated {
			status = healthcheck.StatusDegraded
			msg = "not calibrated"
		}
		return &healthcheck.Result{ComponentName: "calibration", Status: status, Message: msg, Timestamp: time.Now()}
	})
}

func probeSystemParams(client *phd2.Client) healthcheck.Checker {
	return healthcheck.CheckFunc("system_params", func(ctx context.Context) *healthcheck.Result {
		_, err := client.GetAlgoParamNames(ctx, "ra")
		status := healthcheck.StatusHealthy
		msg := "system params reachable"
		if err != nil {
			status = healthcheck.StatusDegraded
			msg = err.Error()
		}
		return &healthcheck.Result{ComponentName: "system_params", Status: status, Message: msg, Timestamp: time.Now()}
	})
}

// classifyHealth maps a pass ratio to a four-tier grade.
func classifyHealth(passed, total int) string {
	if total == 0 {
		return "CRITICAL"
	}
	ratio := float64(passed) / float64(total)
	switch {
	case ratio >= 0.90:
		return "EXCELLENT"
	case ratio >= 0.75:
		return "GOOD"
	case ratio >= 0.50:
		return "WARNING"
	default:
		return "CRITICAL"
	}
}

// NewPHD2HealthCheck runs a fixed probe list through the shared
// healthcheck.Engine and grades the aggregate result.
func NewPHD2HealthCheck(d deps) *task.Task {
	body := func(ctx context.Context, t *task.Task, p map[string]any) (map[string]any, error) {
		client, err := d.requirePHD2()
		if err != nil {
			return nil, err
		}
		checkCalibration := paramBool(p, "check_calibration", true)
		checkSystemParams := paramBool(p, "check_system_params", true)

		engine := healthcheck.NewEngine(d.log(), time.Minute)
		engine.Register(probeConnectivity(client))
		engine.Register(probeCameraConfig(client))
		engine.Register(probeGuideOutput(client))
		if checkCalibration {
			engine.Register(probeCalibration(client))
		}
		if checkSystemParams {
			engine.Register(probeSystemParams(client))
		}

		agg := engine.CheckAll(ctx)
		total := len(agg.Components)
		passed := 0
		for _, r := range agg.Components {
			if r.Status == healthcheck.StatusHealthy {
				passed++
			}
			t.AddHistoryEntry(r.ComponentName + ": " + string(r.Status) + " - " + r.Message)
		}
		grade := classifyHealth(passed, total)
		t.AddHistoryEntry("classification: " + grade)

		return map[string]any{
			"passed":         passed,
			"total":          total,
			"classification": grade,
			"overall_status": string(agg.OverallStatus),
		}, nil
	}
	return task.New(PHD2HealthCheckName, "diagnostic", 5, 30*time.Second, phd2HealthCheckSchema(), body)
}

func autoGuideConfigSchema() *task.Schema {
	return task.NewSchema().
		Add(task.ParamSpec{Name: "aggressiveness", Type: task.TypeNumber, Default: 0.5, Min: task.Bound(0.1), Max: task.Bound(1.0)}).
		Add(task.ParamSpec{Name: "dry_run", Type: task.TypeBoolean, Default: false})
}

// NewAutoGuideConfig applies a coefficient-adjustment policy over
// {exposure, algo params, dither amount} scaled by an aggressiveness
// factor. A dry_run=true (or aggressiveness unchanged from the
// current live values) performs no device writes, satisfying the
// idempotent-no-op requirement.
func NewAutoGuideConfig(d deps) *task.Task {
	body := func(ctx context.Context, t *task.Task, p map[string]any) (map[string]any, error) {
		client, err := d.requirePHD2()
		if err != nil {
			return nil, err
		}
		aggressiveness := paramFloat(p, "aggressiveness", 0.5)
		dryRun := paramBool(p, "dry_run", false)

		applied := map[string]any{}

		currentExposure, err := client.GetExposure(ctx)
		if err != nil {
			return nil, task.NewError(task.DeviceError, err.Error())
		}
		targetExposure := currentExposure
		if !dryRun {
			targetExposure = int(float64(currentExposure) * (1.0 + (aggressiveness-0.5)*0.2))
			if targetExposure != currentExposure {
				if err := client.SetExposure(ctx, targetExposure); err != nil {
					return nil, task.NewError(task.DeviceError, err.Error())
				}
				t.AddHistoryEntry("exposure adjusted")
				applied["exposure"] = targetExposure
			}
		}

		for _, axis := range []string{"ra", "dec"} {
			names, err := client.GetAlgoParamNames(ctx, axis)
			if err != nil {
				continue
			}
			for _, name := range names {
				current, err := client.GetAlgoParam(ctx, axis, name)
				if err != nil {
					continue
				}
				if dryRun {
					continue
				}
				target := current * (0.8 + aggressiveness*0.4)
				if target != current {
					if err := client.SetAlgoParam(ctx, axis, name, target); err != nil {
						continue
					}
					t.AddHistoryEntry(axis + "." + name + " adjusted")
					applied[axis+"."+name] = target
				}
			}
		}

		return map[string]any{
			"status":         "ok",
			"aggressiveness": aggressiveness,
			"applied":        applied,
		}, nil
	}
	return task.New(AutoGuideConfigName, "diagnostic", 5, 2*time.Minute, autoGuideConfigSchema(), body)
}

// RegisterPHD2HealthCheck installs the constructor in f.
func RegisterPHD2HealthCheck(f *task.Factory, client *phd2.Client, logger *zap.Logger) {
	f.Register(PHD2HealthCheckName, func() *task.Task {
		return NewPHD2HealthCheck(deps{phd2: client, logger: logger})
	})
}

// RegisterAutoGuideConfig installs the constructor in f.
func RegisterAutoGuideConfig(f *task.Factory, client *phd2.Client, logger *zap.Logger) {
	f.Register(AutoGuideConfigName, func() *task.Task {
		return NewAutoGuideConfig(deps{phd2: client, logger: logger})
	})
}

// RegisterAll installs every workflow task constructor into f, bound
// to the given PHD2 client and logger.
func RegisterAll(f *task.Factory, client *phd2.Client, logger *zap.Logger) {
	RegisterCompleteGuideSetup(f, client, logger)
	RegisterMeridianFlipWorkflow(f, client, logger)
	RegisterGuidedSession(f, client, logger)
	RegisterGuidedExposure(f, client, logger)
	RegisterGuidedSequence(f, client, logger)
	RegisterPHD2HealthCheck(f, client, logger)
	RegisterAutoGuideConfig(f, client, logger)
}
