// Package progress computes iteration progress and escalation triggers.
// Progress is measured strictly as "remaining blocking issues decreased",
// never as "any fix occurred": repeatedly fixing one trivial issue while the
// rest linger does not count.
package progress

// Inputs are the counters the tracker evaluates for one review pass.
type Inputs struct {
	Iteration        int // current review iteration, 1-based
	PreviousBlocking int // blocking count after the previous pass
	CurrentBlocking  int // blocking count after this pass
	Streak           int // consecutive no-progress passes so far
}

// Evaluation is the tracker's verdict on one pass.
type Evaluation struct {
	Progress bool
	Streak   int  // updated streak
	Warn     bool // streak one short of the escalation threshold
	Escalate bool // streak reached the threshold; route to the next tier
}

// Evaluate applies the progress algorithm for one pass. maxIterations is the
// per-tier no-progress threshold from the session's policy snapshot.
//
// Iteration 1 never counts as no progress: there is no baseline yet.
func Evaluate(in Inputs, maxIterations int) Evaluation {
	ev := Evaluation{}
	switch {
	case in.Iteration <= 1:
		ev.Progress = true
		ev.Streak = 0
	case in.CurrentBlocking < in.PreviousBlocking:
		ev.Progress = true
		ev.Streak = 0
	default:
		ev.Progress = false
		ev.Streak = in.Streak + 1
	}

	ev.Warn = ev.Streak == maxIterations-1 && maxIterations > 1
	ev.Escalate = ev.Streak >= maxIterations
	return ev
}

// HardCapReached reports whether a group's total iteration count hit the
// absolute ceiling. The cap is independent of tier and guarantees
// termination even if every escalation level keeps stalling.
func HardCapReached(iteration, hardCap int) bool {
	return hardCap > 0 && iteration >= hardCap
}
