package models

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidProcessingStatus = errors.New("invalid processing status")

// ProcessingStatus is the per-record state of a staged row.
type ProcessingStatus string

const (
	ProcessingStatusPending   ProcessingStatus = "pending"
	ProcessingStatusCreate    ProcessingStatus = "create"
	ProcessingStatusUpdate    ProcessingStatus = "update"
	ProcessingStatusProcessed ProcessingStatus = "processed"
	ProcessingStatusError     ProcessingStatus = "error"
)

func ParseProcessingStatus(s string) (ProcessingStatus, error) {
	switch ProcessingStatus(strings.TrimSpace(s)) {
	case ProcessingStatusPending:
		return ProcessingStatusPending, nil
	case ProcessingStatusCreate:
		return ProcessingStatusCreate, nil
	case ProcessingStatusUpdate:
		return ProcessingStatusUpdate, nil
	case ProcessingStatusProcessed:
		return ProcessingStatusProcessed, nil
	case ProcessingStatusError:
		return ProcessingStatusError, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidProcessingStatus, s)
}

// CanTransitionTo reports whether next is a legal successor.
//
//	pending          -> create | update | processed (skip) | error
//	create | update  -> processed | error
//	any              -> pending (re-fetch)
func (s ProcessingStatus) CanTransitionTo(next ProcessingStatus) bool {
	if next == ProcessingStatusPending {
		return true
	}
	switch s {
	case ProcessingStatusPending:
		return next == ProcessingStatusCreate || next == ProcessingStatusUpdate ||
			next == ProcessingStatusProcessed || next == ProcessingStatusError
	case ProcessingStatusCreate, ProcessingStatusUpdate:
		return next == ProcessingStatusProcessed || next == ProcessingStatusError
	case ProcessingStatusProcessed, ProcessingStatusError:
		// Reclassification of already-settled rows.
		return next == ProcessingStatusCreate || next == ProcessingStatusUpdate ||
			next == ProcessingStatusProcessed || next == ProcessingStatusError
	}
	return false
}

// Value implements the driver.Valuer interface
func (s ProcessingStatus) Value() (driver.Value, error) {
	if _, err := ParseProcessingStatus(string(s)); err != nil {
		return nil, err
	}
	return string(s), nil
}

// Scan implements the sql.Scanner interface
func (s *ProcessingStatus) Scan(value interface{}) error {
	var raw string
	switch v := value.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	case nil:
		return fmt.Errorf("%w: null", ErrInvalidProcessingStatus)
	default:
		return fmt.Errorf("cannot convert %T to ProcessingStatus", value)
	}
	parsed, err := ParseProcessingStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
