package worker

// Result is the outcome variant returned by task handlers. The framing
// layer inspects it and applies the retry policy; handlers never panic
// for control flow.
type Result struct {
	kind resultKind
	err  error
}

type resultKind int

const (
	resultOk resultKind = iota
	resultTransient
	resultPermanent
)

// Ok marks a task complete, including the idempotent-skip case.
func Ok() Result {
	return Result{kind: resultOk}
}

// Transient marks a failure worth retrying: the store, cache, or bus was
// unreachable or timed out.
func Transient(err error) Result {
	return Result{kind: resultTransient, err: err}
}

// Permanent marks a failure that cannot succeed on retry (corrupt args,
// impossible state). The task goes straight to the dead-letter queue.
func Permanent(err error) Result {
	return Result{kind: resultPermanent, err: err}
}

func (r Result) IsOk() bool        { return r.kind == resultOk }
func (r Result) IsTransient() bool { return r.kind == resultTransient }
func (r Result) IsPermanent() bool { return r.kind == resultPermanent }

func (r Result) Err() error { return r.err }

func (r Result) outcome() string {
	switch r.kind {
	case resultOk:
		return "ok"
	case resultTransient:
		return "transient_error"
	default:
		return "permanent_error"
	}
}
