package claim

import (
	"context"
	"errors"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("claim status changed concurrently")
	ErrEDILocationSet = errors.New("edi file location already set")
)

// Store persists claims and reads the billing data of reports and
// subscribers owned by the surrounding application. Writes are keyed on
// natural identifiers so pipeline stages can be re-run.
type Store interface {
	GetReport(ctx context.Context, reportID string) (*Report, error)
	GetSubscriber(ctx context.Context, userID string) (*Subscriber, error)

	// UpsertByReport inserts c unless a claim for c.ReportID exists, and
	// returns the stored claim either way.
	UpsertByReport(ctx context.Context, c *Claim) (*Claim, error)
	Get(ctx context.Context, id string) (*Claim, error)

	// UpdateStatus writes to only if the stored status is still from.
	UpdateStatus(ctx context.Context, id string, from, to Status) error
	// SetEDIFileLocation records the generated file once.
	SetEDIFileLocation(ctx context.Context, id, location string) error
	SetSubmissionID(ctx context.Context, id, submissionID string) error
}
