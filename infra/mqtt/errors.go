package mqtt

import "errors"

// ErrPublishTimeout is returned when the broker does not ack a publish in time.
var ErrPublishTimeout = errors.New("mqtt publish timed out")
