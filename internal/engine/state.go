package engine

import (
	"fmt"

	"bountyline/internal/domain"
)

type State string

const (
	StateDraft            State = "draft"
	StateVerifying        State = "verifying"
	StateOpen             State = "open"
	StateClosed           State = "closed"
	StateWinnersAnnounced State = "winners_announced"
	StateArchived         State = "archived"
)

type Action string

const (
	ActionCreateDraft Action = "create draft"
	ActionSaveDraft   Action = "save draft"
	ActionPublish     Action = "publish"
	ActionUpdate      Action = "update"
	ActionUnpublish   Action = "unpublish"
	ActionAnnounce    Action = "announce winners"
	ActionDelete      Action = "delete"
)

// StateOf derives the lifecycle state from the persisted flags. It is the only
// place flag combinations are interpreted.
func StateOf(l domain.Listing) State {
	switch {
	case l.IsArchived:
		return StateArchived
	case l.IsWinnersAnnounced:
		return StateWinnersAnnounced
	case !l.IsPublished && l.Status == domain.StatusVerifying:
		return StateVerifying
	case !l.IsPublished:
		return StateDraft
	case l.Status == domain.StatusClosed:
		return StateClosed
	default:
		return StateOpen
	}
}

// transitions lists the legal actions per state. Create draft has no source
// state and is authorized by sponsor membership alone.
var transitions = map[State][]Action{
	StateDraft:     {ActionSaveDraft, ActionPublish, ActionDelete},
	StateVerifying: {ActionUpdate},
	StateOpen:      {ActionUpdate, ActionUnpublish, ActionAnnounce},
}

// Allowed reports whether the table permits action from state.
func Allowed(state State, action Action) bool {
	for _, a := range transitions[state] {
		if a == action {
			return true
		}
	}
	return false
}

// Guard checks the transition table and the flag preconditions of action
// against l. Conditions that need submissions are checked by the caller.
func Guard(l domain.Listing, action Action) error {
	state := StateOf(l)
	fail := func(format string, args ...any) error {
		return PreconditionError{Action: action, State: state, Reason: fmt.Sprintf(format, args...)}
	}
	if !Allowed(state, action) {
		return fail("%s is not allowed from %s", action, state)
	}
	switch action {
	case ActionPublish:
		if l.IsPublished {
			return fail("listing is already published")
		}
	case ActionDelete:
		if l.PublishedAt != nil {
			return fail("listing has been published before")
		}
	case ActionUnpublish:
		switch {
		case !l.IsActive:
			return fail("listing is not active")
		case l.Status != domain.StatusOpen:
			return fail("listing status is %s, not OPEN", l.Status)
		}
	case ActionAnnounce:
		if !l.IsActive {
			return fail("listing is not active")
		}
	}
	return nil
}

// checkWinners requires exactly one winner per priced reward slot, on
// distinct positions 1..N. Listings without priced slots pass.
func checkWinners(l domain.Listing, subs []domain.Submission) error {
	priced := l.Rewards.PricedSlots()
	if priced == 0 {
		return nil
	}
	fail := func(format string, args ...any) error {
		return PreconditionError{Action: ActionAnnounce, State: StateOf(l), Reason: fmt.Sprintf(format, args...)}
	}
	seen := map[int]bool{}
	winners := 0
	for _, s := range subs {
		if !s.IsWinner {
			continue
		}
		winners++
		if s.WinnerPosition == nil {
			return fail("winner %s has no position", s.ID)
		}
		pos := *s.WinnerPosition
		if l.Rewards[pos] <= 0 {
			return fail("winner %s holds unpriced position %d", s.ID, pos)
		}
		if seen[pos] {
			return fail("position %d has more than one winner", pos)
		}
		seen[pos] = true
	}
	if winners != priced {
		return fail("%d winners selected for %d priced reward slots", winners, priced)
	}
	return nil
}
