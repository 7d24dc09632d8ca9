// Package dedupe suppresses duplicates within a bounded window of recent keys.
//
// The gateway uses it twice: streaming endpoints skip message ids a viewer has
// already been sent (backlog and live events can overlap after a reconnect),
// and message submission rejects a repeated client_ref from the same user.
package dedupe
