package errorvalues

import "errors"

var (
	ErrInvalidDateKey = errors.New("invalid date key, want YYYY-MM-DD")
	ErrInvalidMood    = errors.New("mood is not one of the six grades")
	ErrInvalidEntry   = errors.New("entry failed validation")
	ErrInvalidSetting = errors.New("settings failed validation")
)
