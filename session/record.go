// Package session keeps the interview lifecycle: it creates interviews,
// connects the transport, persists the session record and resumes it on the
// next run.
package session

import (
	"context"
	"errors"
)

// Keys of the persisted record. All three are written and cleared together.
const (
	KeyInterviewID  = "currentInterviewID"
	KeyInterviewURL = "currentInterviewURL"
	KeyIsStreaming  = "isInterviewStreaming"
)

// ErrNoRecord is returned by Store.Get when there is nothing to resume,
// including when only part of a record is present.
var ErrNoRecord = errors.New("no session record")

type Record struct {
	InterviewID  string
	InterviewURL string
	IsStreaming  bool
}

// Store persists one Record as an atomic unit.
type Store interface {
	Get(ctx context.Context) (Record, error)
	SetAll(ctx context.Context, rec Record) error
	ClearAll(ctx context.Context) error
}

func (r Record) values() map[string]string {
	v := map[string]string{
		KeyInterviewID:  r.InterviewID,
		KeyInterviewURL: r.InterviewURL,
	}
	if r.IsStreaming {
		v[KeyIsStreaming] = "true"
	}
	return v
}

func fromValues(v map[string]string) (Record, error) {
	rec := Record{
		InterviewID:  v[KeyInterviewID],
		InterviewURL: v[KeyInterviewURL],
		IsStreaming:  v[KeyIsStreaming] == "true",
	}
	if rec.InterviewID == "" || rec.InterviewURL == "" {
		return Record{}, ErrNoRecord
	}
	return rec, nil
}
