package workflow

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/skyrelay/skyrelay/internal/phd2"
	"github.com/skyrelay/skyrelay/internal/task"
)

// GuidedExposureName and GuidedSequenceName are the registered task
// type names.
const (
	GuidedExposureName = "guided_exposure"
	GuidedSequenceName = "guided_sequence"
)

func guidedExposureSchema() *task.Schema {
	return task.NewSchema().
		Add(task.ParamSpec{Name: "exposure_time", Type: task.TypeNumber, Default: 60.0, Min: task.Bound(0.1), Max: task.Bound(3600)}).
		Add(task.ParamSpec{Name: "dither_before", Type: task.TypeBoolean, Default: false}).
		Add(task.ParamSpec{Name: "dither_after", Type: task.TypeBoolean, Default: false}).
		Add(task.ParamSpec{Name: "dither_amount", Type: task.TypeNumber, Default: 5.0, Min: task.Bound(1), Max: task.Bound(50)}).
		Add(task.ParamSpec{Name: "settle_tolerance", Type: task.TypeNumber, Default: 1.5, Min: task.Bound(0.1), Max: task.Bound(10)}).
		Add(task.ParamSpec{Name: "settle_time", Type: task.TypeInteger, Default: 10, Min: task.Bound(1), Max: task.Bound(300)})
}

func guidedSequenceSchema() *task.Schema {
	s := guidedExposureSchema()
	return s.
		Add(task.ParamSpec{Name: "count", Type: task.TypeInteger, Default: 1, Min: task.Bound(1), Max: task.Bound(1000)}).
		Add(task.ParamSpec{Name: "dither_interval", Type: task.TypeInteger, Default: 0, Min: task.Bound(0)})
}

// runGuidedExposure executes one precondition-checked, optionally
// dithered exposure cycle. It is shared by the standalone
// GuidedExposure task and GuidedSequence's per-frame loop.
func runGuidedExposure(ctx context.Context, t *task.Task, client *phd2.Client, p map[string]any, ditherBefore bool) error {
	if client.AppState() != phd2.StateGuiding {
		return task.NewError(task.DeviceError, "precondition failed: AppState is not Guiding")
	}
	exposureTime := paramFloat(p, "exposure_time", 60.0)
	ditherAfter := paramBool(p, "dither_after", false)
	ditherAmount := paramFloat(p, "dither_amount", 5.0)
	settleTolerance := paramFloat(p, "settle_tolerance", 1.5)
	settleTime := paramInt(p, "settle_time", 10)

	settle := phd2.SettleParameters{Pixels: settleTolerance, TimeS: float64(settleTime), Timeout: float64(settleTime) * 6}

	doDither := func() error {
		ch, err := client.Dither(ctx, ditherAmount, false, settle)
		if err != nil {
			return err
		}
		ok, err := waitSettle(ctx, ch, time.Duration(settle.Timeout)*time.Second)
		if err != nil {
			return err
		}
		if !ok {
			return task.NewError(task.DeviceError, "dither settle did not succeed")
		}
		return nil
	}

	if ditherBefore {
		if err := doDither(); err != nil {
			return err
		}
		t.AddHistoryEntry("dither_before: settled")
	}

	if err := sleepWithCheck(ctx, time.Duration(exposureTime*float64(time.Second)), func() error {
		if client.AppState() != phd2.StateGuiding {
			return task.NewError(task.DeviceError, "lost guiding during exposure")
		}
		return nil
	}); err != nil {
		return err
	}

	if ditherAfter {
		if err := doDither(); err != nil {
			return err
		}
		t.AddHistoryEntry("dither_after: settled")
	}
	return nil
}

// NewGuidedExposure builds the single-exposure guided-capture task.
func NewGuidedExposure(d deps) *task.Task {
	body := func(ctx context.Context, t *task.Task, p map[string]any) (map[string]any, error) {
		client, err := d.requirePHD2()
		if err != nil {
			return nil, err
		}
		ditherBefore := paramBool(p, "dither_before", false)
		if err := runGuidedExposure(ctx, t, client, p, ditherBefore); err != nil {
			return nil, err
		}
		return map[string]any{"status": "ok"}, nil
	}
	return task.New(GuidedExposureName, "workflow", 5, 2*time.Hour, guidedExposureSchema(), body)
}

// guidingStatistics accumulates the supplemented RMS/dither rollup
// attached to GuidedSession/GuidedSequence results.
type guidingStatistics struct {
	minRMS, maxRMS, sumRMS float64
	sampleCount            int
	ditherCount            int
}

func (g *guidingStatistics) sample(v float64) {
	if g.sampleCount == 0 || v < g.minRMS {
		g.minRMS = v
	}
	if g.sampleCount == 0 || v > g.maxRMS {
		g.maxRMS = v
	}
	g.sumRMS += v
	g.sampleCount++
}

func (g *guidingStatistics) asMap() map[string]any {
	mean := 0.0
	if g.sampleCount > 0 {
		mean = g.sumRMS / float64(g.sampleCount)
	}
	return map[string]any{
		"min_rms":       g.minRMS,
		"max_rms":       g.maxRMS,
		"mean_rms":      mean,
		"dither_count":  g.ditherCount,
		"sample_count":  g.sampleCount,
	}
}

// NewGuidedSequence repeats GuidedExposure count times, dithering
// before every Nth exposure where N = dither_interval and i > 0.
func NewGuidedSequence(d deps) *task.Task {
	body := func(ctx context.Context, t *task.Task, p map[string]any) (map[string]any, error) {
		client, err := d.requirePHD2()
		if err != nil {
			return nil, err
		}
		count := paramInt(p, "count", 1)
		ditherInterval := paramInt(p, "dither_interval", 0)

		stats := &guidingStatistics{}
		completed := 0
		for i := 0; i < count; i++ {
			ditherBefore := ditherInterval > 0 && i > 0 && i%ditherInterval == 0
			if err := runGuidedExposure(ctx, t, client, p, ditherBefore); err != nil {
				return nil, err
			}
			if ditherBefore {
				stats.ditherCount++
			}
			if rms, ok := lastGuideRMS(client); ok {
				stats.sample(rms)
			}
			completed++
			t.AddHistoryEntry("exposure " + strconv.Itoa(completed) + "/" + strconv.Itoa(count) + " complete")
		}

		return map[string]any{
			"status":    "ok",
			"completed": completed,
			"count":     count,
			"statistics": stats.asMap(),
		}, nil
	}
	return task.New(GuidedSequenceName, "workflow", 5, 24*time.Hour, guidedSequenceSchema(), body)
}

// lastGuideRMS pulls the most recent GuideStep-derived RMS sample
// tracked by the façade; ok is false until the first GuideStep event
// has arrived.
func lastGuideRMS(client *phd2.Client) (float64, bool) {
	return client.LastGuideStepRMS()
}

// RegisterGuidedExposure installs the standalone exposure task.
func RegisterGuidedExposure(f *task.Factory, client *phd2.Client, logger *zap.Logger) {
	f.Register(GuidedExposureName, func() *task.Task {
		return NewGuidedExposure(deps{phd2: client, logger: logger})
	})
}

// RegisterGuidedSequence installs the constructor in f.
func RegisterGuidedSequence(f *task.Factory, client *phd2.Client, logger *zap.Logger) {
	f.Register(GuidedSequenceName, func() *task.Task {
		return NewGuidedSequence(deps{phd2: client, logger: logger})
	})
}
