package kpi

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrVersionConflict   = errors.New("aggregate version conflict")
	ErrInvalidValue      = errors.New("invalid value")
	ErrInvalidInput      = errors.New("invalid input")

	ErrEvaluationTypeLocked = fmt.Errorf("%w: evaluation type code is locked once evolutions exist", ErrConflict)
)
