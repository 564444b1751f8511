package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shifta/marketplace-engine/geo"
	"github.com/shifta/marketplace-engine/notify"
)

// Match is one professional selected for a shift.
type Match struct {
	Professional Professional
	DistanceKm   float64
}

// Matcher selects eligible professionals for a shift and notifies them.
// It only reads, so retrying a match job is safe (at worst a professional
// is notified twice).
type Matcher struct {
	Store    Reader
	Sink     notify.Sink
	RadiusKm float64
	Logger   zerolog.Logger
}

// Candidates returns verified professionals with the shift's specialty
// within RadiusKm of the shift (or, without shift coordinates, the facility)
// who have no clashing commitment.
func (m *Matcher) Candidates(ctx context.Context, shift Shift) ([]Match, error) {
	target := shift.Location
	if target == nil {
		facility, err := m.Store.GetFacility(ctx, shift.FacilityID)
		if err != nil {
			return nil, err
		}
		target = facility.Location
	}
	if target == nil {
		m.Logger.Info().Str("shift_id", shift.ID).Msg("no coordinates for shift or facility, skipping match")
		return nil, nil
	}

	pros, err := m.Store.ListMatchCandidates(ctx, shift.Specialty)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}

	var matches []Match
	for _, p := range pros {
		if p.Location == nil {
			continue
		}
		ok, dist, err := geo.Within(*target, *p.Location, m.RadiusKm)
		if err != nil {
			m.Logger.Warn().Err(err).Str("professional_id", p.ID).Msg("bad coordinates, skipped")
			continue
		}
		if !ok {
			continue
		}
		clash, err := HasClash(ctx, m.Store, p.ID, shift.StartTime, shift.EndTime, "")
		if err != nil {
			return nil, err
		}
		if clash {
			continue
		}
		matches = append(matches, Match{Professional: p, DistanceKm: dist})
	}
	return matches, nil
}

// FindAndNotify runs Candidates for the shift and sends each match a
// SHIFT_MATCH notification. Shifts no longer OPEN are skipped.
func (m *Matcher) FindAndNotify(ctx context.Context, shiftID string) ([]Match, error) {
	shift, err := m.Store.GetShift(ctx, shiftID)
	if err != nil {
		return nil, err
	}
	if shift.Status != ShiftOpen {
		m.Logger.Debug().Str("shift_id", shiftID).Str("status", string(shift.Status)).Msg("shift not open, skipping match")
		return nil, nil
	}

	matches, err := m.Candidates(ctx, *shift)
	if err != nil {
		return nil, err
	}

	ns := make([]notify.Notification, 0, len(matches))
	for _, match := range matches {
		ns = append(ns, notify.Notification{
			RecipientID: match.Professional.ID,
			Type:        notify.TypeShiftMatch,
			Title:       "New shift near you",
			Body: fmt.Sprintf("%s shift, %s to %s, %.1f km away",
				shift.Role, shift.StartTime.Format("Jan 2 15:04"), shift.EndTime.Format("15:04"), match.DistanceKm),
			RefID: shift.ID,
		})
	}
	notify.Dispatch(ctx, m.Sink, m.Logger, ns...)

	m.Logger.Info().Str("shift_id", shift.ID).Int("matches", len(matches)).Msg("shift matched")
	return matches, nil
}
