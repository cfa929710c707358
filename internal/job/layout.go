package job

import "path/filepath"

// Layout names the files under the spool state directory.
//
//	<state>/<job_id>/job-script
//	<state>/<job_id>/environment
//	<state>/<job_id>/jobd.json
//	<state>/<job_id>/jobd.pid
//	<state>/<job_id>/step-<step_id>.json
//	<state>/<job_id>/step-<step_id>.pid
type Layout struct {
	StateDir string
}

func (l Layout) Dir(jobID string) string {
	return filepath.Join(l.StateDir, jobID)
}

func (l Layout) Script(jobID string) string {
	return filepath.Join(l.Dir(jobID), "job-script")
}

func (l Layout) Environment(jobID string) string {
	return filepath.Join(l.Dir(jobID), "environment")
}

func (l Layout) JobdPID(jobID string) string {
	return filepath.Join(l.Dir(jobID), "jobd.pid")
}

func (l Layout) StepPID(jobID, stepID string) string {
	return filepath.Join(l.Dir(jobID), "step-"+stepID+".pid")
}

func (l Layout) JobdRequest(jobID string) string {
	return filepath.Join(l.Dir(jobID), "jobd.json")
}

func (l Layout) StepRequest(jobID, stepID string) string {
	return filepath.Join(l.Dir(jobID), "step-"+stepID+".json")
}
