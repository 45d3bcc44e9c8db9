// Package dedupe provides a time-windowed set of keys used to drop change
// events that arrive more than once, for example after a subscription
// reconnects.
package dedupe
