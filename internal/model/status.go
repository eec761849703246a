package model

import "fmt"

type PromptStatus string

const (
	PromptStatusStaged  PromptStatus = "staged"
	PromptStatusPending PromptStatus = "pending"
	PromptStatusSending PromptStatus = "sending"
	PromptStatusSent    PromptStatus = "sent"
	PromptStatusError   PromptStatus = "error"
)

// AllPromptStatuses lists every status in lifecycle order.
var AllPromptStatuses = []PromptStatus{
	PromptStatusStaged,
	PromptStatusPending,
	PromptStatusSending,
	PromptStatusSent,
	PromptStatusError,
}

var terminalPromptStatuses = map[PromptStatus]bool{
	PromptStatusSent:  true,
	PromptStatusError: true,
}

// Prompt transitions: staged ↔ pending → sending → sent|error.
// sending → sending is a follow-up re-dispatch within the same item.
var validPromptTransitions = map[PromptStatus]map[PromptStatus]bool{
	PromptStatusStaged: {
		PromptStatusPending: true,
		PromptStatusSending: true, // send-now on a staged item
	},
	PromptStatusPending: {
		PromptStatusStaged:  true,
		PromptStatusSending: true,
	},
	PromptStatusSending: {
		PromptStatusSending: true,
		PromptStatusSent:    true,
		PromptStatusError:   true,
		PromptStatusPending: true, // crash recovery on load
	},
}

// Reminder items are delivered as nudges next to the in-flight prompt and
// never occupy the sending slot.
var validReminderNudgeTransitions = map[PromptStatus]map[PromptStatus]bool{
	PromptStatusPending: {
		PromptStatusSent: true,
	},
}

// Statuses a caller may set directly through the queue API.
var callerSettableStatuses = map[PromptStatus]bool{
	PromptStatusStaged:  true,
	PromptStatusPending: true,
}

func IsPromptTerminal(s PromptStatus) bool {
	return terminalPromptStatuses[s]
}

func IsCallerSettable(s PromptStatus) bool {
	return callerSettableStatuses[s]
}

func ValidPromptStatus(s PromptStatus) bool {
	switch s {
	case PromptStatusStaged, PromptStatusPending, PromptStatusSending, PromptStatusSent, PromptStatusError:
		return true
	}
	return false
}

func ValidatePromptTransition(from, to PromptStatus) error {
	if IsPromptTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validPromptTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid prompt transition: %q → %q", from, to)
	}
	return nil
}

func ValidateReminderNudgeTransition(from, to PromptStatus) error {
	if !validReminderNudgeTransitions[from][to] {
		return fmt.Errorf("invalid reminder nudge transition: %q → %q", from, to)
	}
	return nil
}

var validTimedEntryTransitions = map[TimedEntryStatus]map[TimedEntryStatus]bool{
	TimedEntryActive: {
		TimedEntryPaused:    true,
		TimedEntryCompleted: true,
	},
	TimedEntryPaused: {
		TimedEntryActive: true,
	},
}

func ValidateTimedEntryTransition(from, to TimedEntryStatus) error {
	if from == TimedEntryCompleted {
		return fmt.Errorf("cannot transition from terminal timer status %q", from)
	}
	allowed, ok := validTimedEntryTransitions[from]
	if !ok {
		return fmt.Errorf("unknown timer status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid timer transition: %q → %q", from, to)
	}
	return nil
}
