package model

import "errors"

var (
	ErrConfiguration     = errors.New("configuration error")
	ErrSpawnFailure      = errors.New("spawn failure")
	ErrUnknownProcess    = errors.New("unknown process")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrIOFailure         = errors.New("pty io failure")
	ErrDuplicateName     = errors.New("duplicate process name")
	ErrShuttingDown      = errors.New("supervisor shutting down")
)

// Wire error codes.
const (
	CodeUnknownProcess    = "e_unknown_process"
	CodeInvalidTransition = "e_invalid_transition"
	CodeIOFailure         = "e_io_failure"
	CodeDuplicateName     = "e_duplicate_name"
	CodeShuttingDown      = "e_shutting_down"
	CodeSpawnFailure      = "e_spawn_failed"
	CodeBadRequest        = "e_bad_request"
	CodeInternal          = "e_internal"
)

// ErrorCode maps a command error to its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownProcess):
		return CodeUnknownProcess
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrIOFailure):
		return CodeIOFailure
	case errors.Is(err, ErrDuplicateName):
		return CodeDuplicateName
	case errors.Is(err, ErrShuttingDown):
		return CodeShuttingDown
	case errors.Is(err, ErrSpawnFailure):
		return CodeSpawnFailure
	case errors.Is(err, ErrConfiguration):
		return CodeBadRequest
	default:
		return CodeInternal
	}
}
