package protocol

// Directive is an operator instruction delivered to the queen as a
// "command" waggle. The CLI writes it; the running daemon applies it.
type Directive string

const (
	DirectiveAssign Directive = "assign" // assign the target job to a new bee
	DirectiveStop   Directive = "stop"   // stop the target bee
	DirectivePause  Directive = "pause"  // pause the target bee for handoff
	DirectiveResume Directive = "resume" // resume a paused bee
	DirectiveRetry  Directive = "retry"  // return a failed or blocked job to pending
	DirectiveCancel Directive = "cancel" // cancel the target quest
)

// Valid reports whether d is a known directive.
func (d Directive) Valid() bool {
	switch d {
	case DirectiveAssign, DirectiveStop, DirectivePause, DirectiveResume, DirectiveRetry, DirectiveCancel:
		return true
	default:
		return false
	}
}

// TargetKind returns the record kind the directive's target refers to.
func (d Directive) TargetKind() string {
	switch d {
	case DirectiveAssign, DirectiveRetry:
		return PrefixJob
	case DirectiveCancel:
		return PrefixQuest
	default:
		return PrefixBee
	}
}
