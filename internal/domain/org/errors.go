package org

import "errors"

var (
	ErrEmployeeNotFound = errors.New("employee not found")
	ErrTeamNotFound     = errors.New("team not found")
)
