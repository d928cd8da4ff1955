package models

import (
	"errors"
	"testing"
)

func TestProcessingStatusScan_RejectsUnknown(t *testing.T) {
	var s ProcessingStatus
	err := s.Scan("skipped")
	if !errors.Is(err, ErrInvalidProcessingStatus) {
		t.Fatalf("expected ErrInvalidProcessingStatus, got %v", err)
	}
	if err := s.Scan([]byte("update")); err != nil {
		t.Fatalf("Scan(update): %v", err)
	}
	if s != ProcessingStatusUpdate {
		t.Fatalf("expected update, got %s", s)
	}
	if err := s.Scan(nil); !errors.Is(err, ErrInvalidProcessingStatus) {
		t.Fatalf("expected null to be rejected, got %v", err)
	}
}

func TestProcessingStatusValue_RejectsUnknown(t *testing.T) {
	if _, err := ProcessingStatus("done").Value(); err == nil {
		t.Fatal("expected error for unknown status")
	}
	v, err := ProcessingStatusPending.Value()
	if err != nil || v != "pending" {
		t.Fatalf("expected pending, got %v (%v)", v, err)
	}
}

func TestProcessingStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to ProcessingStatus
		ok       bool
	}{
		{ProcessingStatusPending, ProcessingStatusCreate, true},
		{ProcessingStatusPending, ProcessingStatusUpdate, true},
		{ProcessingStatusPending, ProcessingStatusProcessed, true},
		{ProcessingStatusCreate, ProcessingStatusProcessed, true},
		{ProcessingStatusUpdate, ProcessingStatusError, true},
		{ProcessingStatusCreate, ProcessingStatusUpdate, false},
		{ProcessingStatusUpdate, ProcessingStatusCreate, false},
		{ProcessingStatusProcessed, ProcessingStatusPending, true},
		{ProcessingStatusError, ProcessingStatusPending, true},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.ok {
			t.Fatalf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.ok, got)
		}
	}
}
