package model

// StageStatus distinguishes a stage that never ran from one that failed.
type StageStatus int

const (
	StageNotRun StageStatus = iota
	StageFailed
	StageSucceeded
)

func (s StageStatus) String() string {
	switch s {
	case StageNotRun:
		return "not-run"
	case StageFailed:
		return "failed"
	case StageSucceeded:
		return "ok"
	default:
		return "unknown"
	}
}

// Stage holds the result of one pipeline stage. The zero value is "not run".
type Stage[T any] struct {
	status StageStatus
	value  T
	err    error
}

func StageOK[T any](value T) Stage[T] {
	return Stage[T]{status: StageSucceeded, value: value}
}

func StageErr[T any](err error) Stage[T] {
	return Stage[T]{status: StageFailed, err: err}
}

func (s Stage[T]) Status() StageStatus { return s.status }

func (s Stage[T]) Ran() bool { return s.status != StageNotRun }

func (s Stage[T]) Failed() bool { return s.status == StageFailed }

func (s Stage[T]) Succeeded() bool { return s.status == StageSucceeded }

// Value returns the stage value and whether the stage succeeded.
func (s Stage[T]) Value() (T, bool) {
	return s.value, s.status == StageSucceeded
}

func (s Stage[T]) Err() error { return s.err }
