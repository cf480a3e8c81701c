package group

// Capacity decisions are pure functions over supplied counts. The compare and
// the mutation it gates must share one transactional unit of work; callers
// hold a row-level lock on the ActiveGroup while deciding.

// CanRegister reports whether a group holding `registered` confirmed
// registrations may accept one more.
func CanRegister(act Activity, ag ActiveGroup, registered int) bool {
	capacity := ag.EffectiveCapacity(act)
	return capacity == 0 || registered < capacity
}

// CanResize decides whether the group's capacity override may become
// newCapacity; nil and zero both clear the override, so the decision
// re-checks against the activity default. Shrinking below the current
// registration count is rejected with ErrTooManyRegistrations.
func CanResize(act Activity, newCapacity *int, registered int) error {
	effective := act.DefaultCapacity
	if newCapacity != nil && *newCapacity != 0 {
		effective = *newCapacity
	}
	if effective != 0 && registered > effective {
		return ErrTooManyRegistrations
	}
	return nil
}
