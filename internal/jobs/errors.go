package jobs

import "fmt"

// Error is a job-manager failure with a stable wire code. The HTTP layer
// maps Status onto the response code and Code onto the error body.
type Error struct {
	Code    string
	Status  int
	Details string
	JobID   string
	Pids    []int32
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Details)
	}
	return e.Code
}

func codeErr(code string, status int) *Error {
	return &Error{Code: code, Status: status}
}

// Admission and lifecycle error codes.
var (
	ErrTargetRequired    = codeErr("target_required", 400)
	ErrTooManyTargets    = codeErr("too_many_targets", 400)
	ErrInvalidTargetName = codeErr("invalid_target_name", 400)
	ErrProjectNotFound   = codeErr("project_not_found", 404)
	ErrServerBusy        = codeErr("server_busy", 429)
	ErrJobNotFound       = codeErr("job_not_found", 404)
)

func errJobAlreadyRunning(id string) *Error {
	return &Error{Code: "job_already_running", Status: 409, JobID: id}
}

func errAbortFailed(pids []int32) *Error {
	return &Error{Code: "abort_failed", Status: 500, Pids: pids}
}
