package distributor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"jobmon.evalgo.org/db"
)

func TestScaleRequestGrowsMemoryAndRuntime(t *testing.T) {
	scaled := ScaleRequest(db.ResourceRequest{MemoryGB: 4, RuntimeSeconds: 600, Cores: 2, Queue: "all.q"}, 0.5)

	assert.InDelta(t, 6.0, scaled.MemoryGB, 1e-9)
	assert.Equal(t, int64(900), scaled.RuntimeSeconds)
	assert.Equal(t, 2, scaled.Cores, "core counts do not scale")
	assert.Equal(t, "all.q", scaled.Queue)
}

func TestScaleRequestZeroScalePassesThrough(t *testing.T) {
	req := db.ResourceRequest{MemoryGB: 4, RuntimeSeconds: 600, Cores: 2}

	assert.Equal(t, req, ScaleRequest(req, 0))
	assert.Equal(t, req, ScaleRequest(req, -1))
}
