package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"proctorlog/pkg/domain"
	dErrors "proctorlog/pkg/domain-errors"
)

// LogBatchRequest is the body of POST /logs.
type LogBatchRequest struct {
	AttemptID     string         `json:"attemptId"`
	Events        []domain.Event `json:"events"`
	MarkSubmitted bool           `json:"markSubmitted"`
}

// UnmarshalJSON treats an events field that is not an array as empty.
func (r *LogBatchRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		AttemptID     string          `json:"attemptId"`
		Events        json.RawMessage `json:"events"`
		MarkSubmitted bool            `json:"markSubmitted"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.AttemptID = raw.AttemptID
	r.MarkSubmitted = raw.MarkSubmitted
	r.Events = nil
	if events := bytes.TrimSpace(raw.Events); len(events) > 0 && events[0] == '[' {
		if err := json.Unmarshal(events, &r.Events); err != nil {
			return err
		}
	}
	return nil
}

// Validate normalizes identifiers and rejects batches the collector can never
// accept. Events without an attemptId inherit the batch's.
func (r *LogBatchRequest) Validate() error {
	attemptID, err := domain.ParseAttemptID(r.AttemptID)
	if err != nil {
		return err
	}
	r.AttemptID = attemptID

	if r.Events == nil {
		r.Events = []domain.Event{}
	}
	for i := range r.Events {
		ev := &r.Events[i]
		eventID, err := domain.ParseEventID(ev.EventID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeValidation, fmt.Sprintf("events[%d]: invalid eventId", i))
		}
		ev.EventID = eventID
		if !ev.EventType.IsValid() {
			return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("events[%d]: unknown eventType %q", i, ev.EventType))
		}
		switch ev.AttemptID {
		case "":
			ev.AttemptID = attemptID
		case attemptID:
		default:
			return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("events[%d]: attemptId does not match batch", i))
		}
	}
	return nil
}

// AcceptOutcome is what a store did with one batch.
type AcceptOutcome struct {
	// Saved holds the newly stored events in delivery order.
	Saved             []domain.Event
	DuplicatesIgnored int
	Submitted         bool
}

// Receipt renders the outcome for a batch of received events.
func (o AcceptOutcome) Receipt(received int) domain.Receipt {
	return domain.Receipt{
		OK:                true,
		Received:          received,
		Saved:             len(o.Saved),
		DuplicatesIgnored: o.DuplicatesIgnored,
		Submitted:         o.Submitted,
	}
}

// AttemptLog is the collector's record of one attempt, as returned by
// GET /logs/{attemptId}.
type AttemptLog struct {
	AttemptID   string         `json:"attemptId"`
	Submitted   bool           `json:"submitted"`
	SubmittedAt *time.Time     `json:"submittedAt,omitempty"`
	Events      []domain.Event `json:"events"`
}
