package jobs

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrDuplicateJob      = errors.New("duplicate job")
	ErrTransientDispatch = errors.New("dispatch failed")
	ErrInvalidTransition = errors.New("invalid city status transition")
)

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func notFoundError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// JobNotFound は job_id が存在しない場合のエラーを作成します。ストア実装から利用します。
func JobNotFound(jobID string) error {
	return notFoundError("job %s", jobID)
}

// CityNotFound は都市キーが存在しない場合のエラーを作成します。
func CityNotFound(jobID string, key CityKey) error {
	return notFoundError("city %q (postcode %q) in job %s", key.Name, key.Postcode, jobID)
}

// DuplicateJob は同じ job_id で2回作成された場合のエラーを作成します。
func DuplicateJob(jobID string) error {
	return fmt.Errorf("%w: %s", ErrDuplicateJob, jobID)
}

// InvalidTransition は許可されていない状態遷移のエラーを作成します。
func InvalidTransition(from, to CityStatus) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
