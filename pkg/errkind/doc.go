/*
Package errkind classifies an error into one of the kinds enumerated in
the failure policy, so the stage-advance helpers in planner, transfer and verify
can decide whether to fail a request outright, leave it unlocked for
retry, or swallow it silently. Errors are classified by wrapping: a
daemon calls Wrap with the kind it knows it hit, and callers further up
the stack call Of to recover it; Of walks the Unwrap chain with
errors.As, so fmt.Errorf %w wrapping on top of a tagged error keeps its
kind.
*/
package errkind
