package domain

var allowedTransitions = map[SubscriptionStatus][]SubscriptionStatus{
	SubscriptionStatusTrialing: {SubscriptionStatusActive, SubscriptionStatusPastDue, SubscriptionStatusCanceled},
	SubscriptionStatusActive:   {SubscriptionStatusPastDue, SubscriptionStatusCanceled},
	SubscriptionStatusPastDue:  {SubscriptionStatusActive, SubscriptionStatusCanceled},
}

func IsValidStatus(status SubscriptionStatus) bool {
	switch status {
	case SubscriptionStatusTrialing,
		SubscriptionStatusActive,
		SubscriptionStatusPastDue,
		SubscriptionStatusCanceled:
		return true
	default:
		return false
	}
}

// IsTransitionAllowed reports whether current may move to target. Staying in
// the same state is not a transition.
func IsTransitionAllowed(current, target SubscriptionStatus) bool {
	for _, next := range allowedTransitions[current] {
		if next == target {
			return true
		}
	}
	return false
}

func IsTerminal(status SubscriptionStatus) bool {
	return status == SubscriptionStatusCanceled
}
