// Package authstate derives the application's authentication state from the
// token store and the result of remote validation.
//
// The Machine owns a proactive renewal timer with an explicit Start/Stop
// lifecycle so tests can drive transitions deterministically without a UI.
// Routine background renewal never disturbs the visible state; only logout
// or an unrecoverable refresh failure forces Unauthenticated.
package authstate
