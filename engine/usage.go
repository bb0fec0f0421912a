package engine

import (
	"context"
	"math"
	"time"

	"github.com/dustin/go-humanize"

	"jobmon.evalgo.org/db"
	"jobmon.evalgo.org/fsm"
	"jobmon.evalgo.org/stats"
)

// ResourceUsageReport summarizes the measured memory and runtime of the done
// tasks bound to one task template version. Every field except num_tasks is
// null when it cannot be computed; null never means zero.
type ResourceUsageReport struct {
	NumTasks int `json:"num_tasks"`

	MinMem    *int64      `json:"min_mem"`
	MaxMem    *int64      `json:"max_mem"`
	MeanMem   *float64    `json:"mean_mem"`
	MedianMem *float64    `json:"median_mem"`
	CIMem     *[2]float64 `json:"ci_mem"`

	MinMemHuman    string `json:"min_mem_human,omitempty"`
	MaxMemHuman    string `json:"max_mem_human,omitempty"`
	MeanMemHuman   string `json:"mean_mem_human,omitempty"`
	MedianMemHuman string `json:"median_mem_human,omitempty"`

	MinRuntime    *int64      `json:"min_runtime"`
	MaxRuntime    *int64      `json:"max_runtime"`
	MeanRuntime   *float64    `json:"mean_runtime"`
	MedianRuntime *float64    `json:"median_runtime"`
	CIRuntime     *[2]float64 `json:"ci_runtime"`

	MinRuntimeHuman    string `json:"min_runtime_human,omitempty"`
	MaxRuntimeHuman    string `json:"max_runtime_human,omitempty"`
	MeanRuntimeHuman   string `json:"mean_runtime_human,omitempty"`
	MedianRuntimeHuman string `json:"median_runtime_human,omitempty"`
}

// ResourceUsage reports usage statistics over the latest done instance of
// every done task bound to the template version, optionally scoped to one
// workflow. The confidence level arrives as a string and is parsed
// permissively; missing or unusable values fall back to 95%.
func (e *Engine) ResourceUsage(ctx context.Context, taskTemplateVersionID int64, confidenceRaw string, workflowID int64) (*ResourceUsageReport, error) {
	confidence := stats.ParseConfidence(confidenceRaw, stats.DefaultConfidence)

	type usageRow struct {
		TaskID    int64
		Wallclock *int64
		Maxrss    *int64
	}
	q := e.store.DB.WithContext(ctx).
		Table("task_instances AS ti").
		Select("ti.task_id, ti.wallclock, ti.maxrss").
		Joins("JOIN tasks t ON t.id = ti.task_id").
		Joins("JOIN nodes n ON n.id = t.node_id").
		Where("n.task_template_version_id = ? AND ti.status = ?", taskTemplateVersionID, fsm.InstanceDone).
		Order("ti.id desc").
		Limit(50000)
	if workflowID > 0 {
		q = q.Where("t.workflow_id = ?", workflowID)
	}
	var rows []usageRow
	if err := q.Scan(&rows).Error; err != nil {
		return nil, db.Classify(err)
	}

	// Newest instance wins per task; rows arrive newest first.
	seen := make(map[int64]bool, len(rows))
	var memSamples, runtimeSamples []float64
	numTasks := 0
	for _, row := range rows {
		if seen[row.TaskID] {
			continue
		}
		seen[row.TaskID] = true
		numTasks++
		if row.Maxrss != nil {
			memSamples = append(memSamples, float64(*row.Maxrss))
		}
		if row.Wallclock != nil {
			runtimeSamples = append(runtimeSamples, float64(*row.Wallclock))
		}
	}

	report := &ResourceUsageReport{NumTasks: numTasks}
	if mem := stats.Summarize(memSamples, confidence); mem != nil {
		report.MinMem = int64Ptr(mem.Min)
		report.MaxMem = int64Ptr(mem.Max)
		report.MeanMem = &mem.Mean
		report.MedianMem = floatPtr(mem.Median)
		report.CIMem = mem.CI
		report.MinMemHuman = humanBytes(mem.Min)
		report.MaxMemHuman = humanBytes(mem.Max)
		report.MeanMemHuman = humanBytes(mem.Mean)
		report.MedianMemHuman = humanBytes(mem.Median)
	}
	if rt := stats.Summarize(runtimeSamples, confidence); rt != nil {
		report.MinRuntime = int64Ptr(rt.Min)
		report.MaxRuntime = int64Ptr(rt.Max)
		report.MeanRuntime = &rt.Mean
		report.MedianRuntime = floatPtr(rt.Median)
		report.CIRuntime = rt.CI
		report.MinRuntimeHuman = humanDuration(rt.Min)
		report.MaxRuntimeHuman = humanDuration(rt.Max)
		report.MeanRuntimeHuman = humanDuration(rt.Mean)
		report.MedianRuntimeHuman = humanDuration(rt.Median)
	}
	return report, nil
}

func int64Ptr(v float64) *int64 {
	n := int64(math.Round(v))
	return &n
}

func floatPtr(v float64) *float64 {
	return &v
}

func humanBytes(v float64) string {
	if v < 0 {
		v = 0
	}
	return humanize.Bytes(uint64(math.Round(v)))
}

func humanDuration(v float64) string {
	return (time.Duration(math.Round(v)) * time.Second).String()
}
