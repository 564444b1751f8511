package engine

import (
	"context"
	"fmt"
	"time"
)

// HasClash reports whether the professional holds a blocking application
// whose shift overlaps [start, end). excludeApplicationID is skipped, so an
// application being confirmed does not clash with itself.
func HasClash(ctx context.Context, r Reader, professionalID string, start, end time.Time, excludeApplicationID string) (bool, error) {
	_, found, err := FindClash(ctx, r, professionalID, start, end, excludeApplicationID)
	return found, err
}

// FindClash is HasClash returning the conflicting commitment.
func FindClash(ctx context.Context, r Reader, professionalID string, start, end time.Time, excludeApplicationID string) (Commitment, bool, error) {
	commitments, err := r.ListCommitments(ctx, professionalID)
	if err != nil {
		return Commitment{}, false, fmt.Errorf("load commitments of %s: %w", professionalID, err)
	}
	for _, c := range commitments {
		if c.ApplicationID == excludeApplicationID {
			continue
		}
		if c.Start.Before(end) && c.End.After(start) {
			return c, true, nil
		}
	}
	return Commitment{}, false, nil
}

func checkClash(ctx context.Context, r Reader, professionalID string, shift Shift, excludeApplicationID string) error {
	c, found, err := FindClash(ctx, r, professionalID, shift.StartTime, shift.EndTime, excludeApplicationID)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%w: overlaps shift %s (%s to %s)", ErrScheduleClash,
			c.ShiftID, c.Start.Format(time.RFC3339), c.End.Format(time.RFC3339))
	}
	return nil
}
