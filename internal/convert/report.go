package convert

import (
	"firestige.xyz/sessreplay/internal/capture"
)

// Result is the outcome of converting one session.
type Result struct {
	Session string
	Kind    string
	Output  string // empty for sinks that do not write files
	Events  int
	Bytes   int64
	// Err is set when the session failed. Output written before the
	// failure is kept.
	Err error
}

// Report summarizes one ConvertCapture run.
type Report struct {
	RunID   string
	Input   string
	Results []Result
	Skipped []capture.SkippedSession
}

func (r *Report) Succeeded() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Err == nil {
			out = append(out, res)
		}
	}
	return out
}

func (r *Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}
