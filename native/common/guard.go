package common

import "errors"

var ErrFunctionPaused = errors.New("function paused")

// PauseView reports whether governance has switched off a specific operation
// of a module. Operations are addressed by module name plus operation name,
// mirroring per-function pause selectors.
type PauseView interface {
	IsFunctionPaused(module, operation string) bool
}

// Guard rejects the call when the addressed operation is paused. A nil view or
// empty module name disables the check.
func Guard(p PauseView, module, operation string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsFunctionPaused(module, operation) {
		return ErrFunctionPaused
	}
	return nil
}
