package domain

import "errors"

var (
	ErrInvalidID           = errors.New("invalid id")
	ErrInvalidContentHash  = errors.New("invalid content hash")
	ErrInvalidState        = errors.New("invalid state")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrInvalidScore        = errors.New("invalid confidence score")
	ErrInvalidAction       = errors.New("invalid recommended action")
	ErrAlreadyScored       = errors.New("confidence score already set")
	ErrInvalidLane         = errors.New("invalid lane")
	ErrLaneAlreadyAssigned = errors.New("lane already assigned")
	ErrApprovalNotRequired = errors.New("approval not required")
	ErrInvalidApprover     = errors.New("invalid approver")
	ErrInvalidTargetRef    = errors.New("invalid target ref")
	ErrInvalidSubject      = errors.New("invalid cl node subject")
	ErrInvalidParent       = errors.New("invalid cl node parent")
	ErrInvalidResolution   = errors.New("invalid merge resolution")
	ErrInvalidGranularity  = errors.New("invalid conflict granularity")
	ErrInvalidPath         = errors.New("invalid path")
)
