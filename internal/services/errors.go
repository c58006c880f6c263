package services

import "errors"

var (
	ErrProfileNotFound = errors.New("connection profile not found")
	ErrQuotaExceeded   = errors.New("session quota exceeded")
	ErrNotFound        = errors.New("session not found")
	ErrForbidden       = errors.New("not the session owner")
	ErrNotActive       = errors.New("session not active")
)
