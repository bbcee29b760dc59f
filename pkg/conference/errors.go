package conference

import "errors"

var (
	ErrConferenceExpired      = errors.New("conference has already expired")
	ErrRecordingNotConfigured = errors.New("recording is not enabled in configuration")
	ErrRecordingDirectory     = errors.New("recording directory is not usable")
)
