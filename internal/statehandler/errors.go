package statehandler

import "errors"

// Domain errors for the statehandler package.
var (
	// ErrTerminated is returned when using a terminated handler.
	ErrTerminated = errors.New("statehandler: terminated")

	// ErrConversionFailed is returned by HandleState when the adapter cannot
	// convert the timeline state. Nothing is queued.
	ErrConversionFailed = errors.New("statehandler: conversion failed")
)
