package clanwar

import "errors"

// Precondition violations. No state changes when one of these is returned.
var (
	ErrWrongPhase                 = errors.New("operation not allowed in the current phase")
	ErrRosterFull                 = errors.New("roster is full")
	ErrAlreadyRegistered          = errors.New("user is already registered")
	ErrClanMismatch               = errors.New("user does not belong to that side's clan")
	ErrAlreadyResolved            = errors.New("matchup already has a result")
	ErrOutgoingNotPending         = errors.New("outgoing user's matchup is not pending")
	ErrIncomingAlreadyParticipant = errors.New("incoming user is already in this round")
	ErrNoResultToInvalidate       = errors.New("matchup has no result to invalidate")
	ErrWarEnded                   = errors.New("war has ended")
	ErrInvalidSide                = errors.New("invalid side")
	ErrNoBattleLink               = errors.New("battle link is required")
)

// Lookup failures.
var (
	ErrUnknownMatchup     = errors.New("no such matchup in the current round")
	ErrNotRegistered      = errors.New("user is not registered")
	ErrNotInActiveMatchup = errors.New("user has no open matchup")
	ErrNoSuchWar          = errors.New("no war in that room")
)

// Registry admission failures.
var (
	ErrRoomBusy         = errors.New("room already hosts a war")
	ErrClanBusy         = errors.New("clan is already at war")
	ErrSameClan         = errors.New("a clan cannot war against itself")
	ErrInvalidSize      = errors.New("invalid war size")
	ErrFormatNotAllowed = errors.New("format is not allowed for wars")
)
