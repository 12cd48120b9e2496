package spider

import "errors"

// Sentinel errors shared across stores and services. The API layer maps these
// to HTTP status codes.
var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrSpiderNotFound = errors.New("spider not found")
	ErrProxyNotFound  = errors.New("proxy not found")

	// ErrTaskConflict means a pending or running task already exists for the
	// spider.
	ErrTaskConflict = errors.New("a pending or running task already exists for this spider")

	// ErrTaskNotRunning rejects worker calls against a task that is not in the
	// running state.
	ErrTaskNotRunning = errors.New("task is not running")

	// ErrTaskTerminal rejects transitions out of a terminal state.
	ErrTaskTerminal = errors.New("task already finished")

	// ErrSpiderMismatch rejects ingestion for a task owned by another spider.
	ErrSpiderMismatch = errors.New("task does not belong to this spider")

	// ErrNoProxyAvailable is the fail-open answer when the candidate set is
	// empty. Callers proceed without a proxy.
	ErrNoProxyAvailable = errors.New("no proxy available")
)
