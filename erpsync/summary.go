package erpsync

import (
	"fmt"
	"time"
)

const (
	DetailStatusSuccess = "success"
	DetailStatusError   = "error"
)

// Detail is the outcome of one record.
type Detail struct {
	ExternalID int64  `json:"externalId"`
	Status     string `json:"status"`
	Action     string `json:"action,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Summary is returned by every pipeline phase. Success is false only when the
// phase stopped on a fatal error; record failures are counted in Errors.
type Summary struct {
	Success   bool           `json:"success"`
	Processed int            `json:"processed"`
	Errors    int            `json:"errors"`
	Message   string         `json:"message"`
	Details   []Detail       `json:"details"`
	Counts    map[string]int `json:"counts,omitempty"`
	BatchID   string         `json:"batchId,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`

	fetchedAt   time.Time
	partnerRefs []int64
}

func newSummary() Summary {
	return Summary{Success: true, Details: []Detail{}}
}

func (s *Summary) ok(externalId int64, action string) {
	s.Processed++
	s.Details = append(s.Details, Detail{ExternalID: externalId, Status: DetailStatusSuccess, Action: action})
	if action != "" {
		if s.Counts == nil {
			s.Counts = map[string]int{}
		}
		s.Counts[action]++
	}
}

func (s *Summary) fail(externalId int64, err error) {
	s.Errors++
	s.Details = append(s.Details, Detail{ExternalID: externalId, Status: DetailStatusError, Error: err.Error()})
}

// abort marks the summary as stopped by a fatal error.
func (s *Summary) abort(err error) {
	s.Success = false
	s.Message = err.Error()
}

func (s *Summary) finish(what string) {
	if !s.Success {
		return
	}
	s.Message = fmt.Sprintf("%s: %d processed, %d errors", what, s.Processed, s.Errors)
}

// FailedDetails returns the error entries only.
func (s Summary) FailedDetails() []Detail {
	var out []Detail
	for _, d := range s.Details {
		if d.Status == DetailStatusError {
			out = append(out, d)
		}
	}
	return out
}
