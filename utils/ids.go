package utils

import (
	"strings"

	"github.com/google/uuid"
)

// NewBatchId tags one fetch run.
func NewBatchId() string {
	return uuid.NewString()
}

// NormalizeSessionId returns the caller's session id when it is a well-formed
// uuid, otherwise a freshly generated one. Invalid ids are replaced, not rejected.
func NormalizeSessionId(sessionId string) string {
	sessionId = strings.TrimSpace(sessionId)
	if sessionId == "" {
		return uuid.NewString()
	}
	parsed, err := uuid.Parse(sessionId)
	if err != nil {
		return uuid.NewString()
	}
	return parsed.String()
}
