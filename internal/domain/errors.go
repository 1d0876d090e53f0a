package domain

import "errors"

var (
	// ErrSequenceViolation marks an out-of-order or repeated orchestration
	// step. It is logged and swallowed, never retried or shown to players.
	ErrSequenceViolation = errors.New("sequence violation")
	// ErrWindowClosed is returned for a submission outside the question's
	// answer window.
	ErrWindowClosed = errors.New("answer window closed")
	// ErrDuplicateAnswer is returned when a player answers the same question
	// twice; the first answer stands.
	ErrDuplicateAnswer = errors.New("duplicate answer")
	// ErrNotInTieBreak is returned when a player outside the tied group
	// submits an answer to a tie-break question.
	ErrNotInTieBreak = errors.New("player is not in the tie-break")
	// ErrCapacityExceeded is returned when creating a game would exceed the
	// active-games ceiling.
	ErrCapacityExceeded = errors.New("active game capacity exceeded")

	// ErrGameNotFound indicates an unknown game ID or invite code.
	ErrGameNotFound = errors.New("game not found")
	// ErrRoundNotFound indicates an unknown round ID.
	ErrRoundNotFound = errors.New("round not found")
	// ErrQuestionNotFound indicates an unknown question or round-question ID.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrPlayerNotFound indicates an unknown player or a player outside the game.
	ErrPlayerNotFound = errors.New("player not found")
	// ErrAlreadyQueued indicates the player is already waiting in the pool.
	ErrAlreadyQueued = errors.New("player already in pool")
	// ErrNotGameCreator indicates a force-start attempt by a non-creator.
	ErrNotGameCreator = errors.New("only the game creator may do this")
	// ErrGameFull indicates a join attempt on a game with no free seats.
	ErrGameFull = errors.New("game is full")
)
