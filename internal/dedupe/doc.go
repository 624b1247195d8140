// Package dedupe provides a time-bounded record of seen keys so that an
// at-least-once event stream can be applied exactly once per key.
package dedupe
