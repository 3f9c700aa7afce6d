package check

import "fmt"

// Result is the ordered status of a check job. Stages only ever increase:
// a result may only replace one of an equal or lower stage, so a stale
// in-flight callback can never downgrade a conclusion already reached.
type Result int

const (
	ResultQueued Result = iota
	ResultWaitingForStore
	ResultWorking

	// Terminal outcomes. All share the final stage.
	ResultExpired
	ResultMissingPath
	ResultInvalidPath
	ResultFileNotFound
	ResultAccessError
	ResultSizeMismatch
	ResultCorrupt
	ResultUnknownVersion
	ResultDone
	ResultInternalError
)

const terminalStage = 100

// Stage returns the result's position in the job lifecycle.
func (r Result) Stage() int {
	switch r {
	case ResultQueued:
		return 0
	case ResultWaitingForStore:
		return 1
	case ResultWorking:
		return 2
	}
	return terminalStage
}

// Terminal reports whether the job has concluded.
func (r Result) Terminal() bool {
	return r.Stage() == terminalStage
}

func (r Result) String() string {
	switch r {
	case ResultQueued:
		return "queued"
	case ResultWaitingForStore:
		return "waiting-for-store"
	case ResultWorking:
		return "working"
	case ResultExpired:
		return "expired"
	case ResultMissingPath:
		return "missing-path"
	case ResultInvalidPath:
		return "invalid-path"
	case ResultFileNotFound:
		return "file-not-found"
	case ResultAccessError:
		return "access-error"
	case ResultSizeMismatch:
		return "size-mismatch"
	case ResultCorrupt:
		return "corrupt"
	case ResultUnknownVersion:
		return "unknown-version"
	case ResultDone:
		return "done"
	case ResultInternalError:
		return "internal-error"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}
