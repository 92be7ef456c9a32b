package inference

import "errors"

var (
	ErrServiceUnavailable = errors.New("inference service unavailable")
	ErrTimeout            = errors.New("inference timeout")
	ErrInvalidResponse    = errors.New("inference service returned invalid response")
)
