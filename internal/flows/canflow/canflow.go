// Package canflow tracks the CAN recovery loop both flow coordinators
// share. The card asks for the CAN (alone or combined with PINs) once
// only one PIN attempt remains; a wrong CAN makes the card repeat the
// same request, which the coordinators surface as a retry rather than a
// fresh prompt.
package canflow

// Tracker remembers whether a CAN has been submitted in the current
// recovery loop. It is owned by a coordinator and therefore only touched
// from its event loop; no locking.
type Tracker struct {
	submitted bool
}

// OnRequest records a CAN-bearing request event and reports whether it
// is a retry after a wrong CAN (true) or the first ask (false).
func (t *Tracker) OnRequest() (retry bool) {
	retry = t.submitted
	t.submitted = false
	return retry
}

// OnSubmit records that the user submitted a CAN.
func (t *Tracker) OnSubmit() {
	t.submitted = true
}

// Reset clears the loop, e.g. when a flow restarts or completes.
func (t *Tracker) Reset() {
	t.submitted = false
}
