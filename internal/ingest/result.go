package ingest

import (
	"time"

	"github.com/lila/deviceconnect/internal/dexcom"
)

// Status is the per-user outcome of one endpoint run. Outcomes are values,
// not errors: the orchestrator's loop never aborts on any of them.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusUnauthorized   Status = "unauthorized"
	StatusTransportError Status = "transport_error"
	StatusEmpty          Status = "empty_result"
)

// Result records what happened for one user in one run.
type Result struct {
	Identity string
	Status   Status
	Rows     int
	Detail   string
}

// Summary is the outcome of a whole endpoint run.
type Summary struct {
	Endpoint   string
	Window     dexcom.Window
	Results    []Result
	RowsLoaded int
	Elapsed    time.Duration
}

// Count returns how many users finished with the given status.
func (s Summary) Count(status Status) int {
	n := 0
	for _, r := range s.Results {
		if r.Status == status {
			n++
		}
	}
	return n
}
