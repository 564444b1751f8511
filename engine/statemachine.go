package engine

// =============================================================================
// TRANSITION TABLES
// =============================================================================
//
//   Shift:        OPEN <-> FILLED
//                 OPEN | FILLED -> COMPLETED | CANCELLED
//
//   Application:  PENDING -> CONFIRMED -> ATTENDANCE_PENDING -> IN_PROGRESS -> COMPLETED
//                 PENDING | CONFIRMED -> REJECTED
//                 any non-terminal -> CANCELLED
//
// Every status change goes through transitionShift / transitionApplication.
// Statuses with no outgoing edges are terminal.

var shiftTransitions = map[ShiftStatus][]ShiftStatus{
	ShiftOpen:   {ShiftFilled, ShiftCompleted, ShiftCancelled},
	ShiftFilled: {ShiftOpen, ShiftCompleted, ShiftCancelled},
}

var applicationTransitions = map[ApplicationStatus][]ApplicationStatus{
	AppPending:           {AppConfirmed, AppRejected, AppCancelled},
	AppConfirmed:         {AppAttendancePending, AppRejected, AppCancelled},
	AppAttendancePending: {AppInProgress, AppCancelled},
	AppInProgress:        {AppCompleted, AppCancelled},
}

func CanTransitionShift(from, to ShiftStatus) bool {
	for _, s := range shiftTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func CanTransitionApplication(from, to ApplicationStatus) bool {
	for _, s := range applicationTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transitionShift(s *Shift, to ShiftStatus) error {
	if !CanTransitionShift(s.Status, to) {
		return &TransitionError{Entity: "shift", ID: s.ID, From: string(s.Status), To: string(to)}
	}
	s.Status = to
	return nil
}

func transitionApplication(a *Application, to ApplicationStatus) error {
	if !CanTransitionApplication(a.Status, to) {
		return &TransitionError{Entity: "application", ID: a.ID, From: string(a.Status), To: string(to)}
	}
	a.Status = to
	return nil
}

// occupySlot counts a confirmation against capacity, flipping to FILLED at
// capacity.
func occupySlot(s *Shift) error {
	if s.Status != ShiftOpen || !s.HasCapacity() {
		return ErrShiftFull
	}
	s.QuantityFilled++
	if !s.HasCapacity() {
		return transitionShift(s, ShiftFilled)
	}
	return nil
}

// releaseSlot undoes occupySlot, reopening a FILLED shift.
func releaseSlot(s *Shift) error {
	if s.QuantityFilled == 0 {
		return nil
	}
	s.QuantityFilled--
	if s.Status == ShiftFilled {
		return transitionShift(s, ShiftOpen)
	}
	return nil
}
