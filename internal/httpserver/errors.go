package httpserver

const (
	ErrInvalidJSON    = "invalid json"
	ErrInvalidID      = "invalid election id"
	ErrDependency     = "dependency error"
	ErrNotFound       = "not found"
	ErrUnknownChannel = "unknown channel"
	ErrInvalidHours   = "hours must be between 1 and 168"
	ErrUnavailable    = "service unavailable"
)
