package acceptor

import "fmt"

// BindError reports that the listening socket could not be created, bound
// or put into listening state. Err is the underlying (usually syscall) error.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}
