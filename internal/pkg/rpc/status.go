package rpc

import (
	"encoding/json"
	"fmt"
)

// Status is the lifecycle state of a persistent RPC request as reported by
// the platform
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusSent       Status = "SENT"
	StatusDelivered  Status = "DELIVERED"
	StatusSuccessful Status = "SUCCESSFUL"
	StatusTimeout    Status = "TIMEOUT"
	StatusFailed     Status = "FAILED"
	StatusExpired    Status = "EXPIRED"

	// Reported by newer platform versions once a request has been removed
	StatusDeleted Status = "DELETED"
)

// IsTerminal reports whether no further transition can happen without a new
// submission
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccessful, StatusTimeout, StatusFailed, StatusExpired, StatusDeleted:
		return true
	}

	return false
}

func (s Status) valid() bool {
	switch s {
	case StatusQueued, StatusSent, StatusDelivered,
		StatusSuccessful, StatusTimeout, StatusFailed, StatusExpired, StatusDeleted:
		return true
	}

	return false
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}

	st := Status(str)
	if !st.valid() {
		return fmt.Errorf("unknown rpc status %q", str)
	}

	*s = st
	return nil
}
