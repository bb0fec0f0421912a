package distributor

import "jobmon.evalgo.org/db"

// ScaleRequest grows a resource request by the given factor. Memory and
// runtime scale, core counts do not: a task that died over memory wants a
// bigger allocation, not more parallelism.
func ScaleRequest(req db.ResourceRequest, scale float64) db.ResourceRequest {
	if scale <= 0 {
		return req
	}
	req.MemoryGB = req.MemoryGB * (1 + scale)
	req.RuntimeSeconds = int64(float64(req.RuntimeSeconds) * (1 + scale))
	return req
}
