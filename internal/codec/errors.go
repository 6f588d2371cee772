package codec

import "errors"

// Structural error kinds from spec §7. They are sentinels wrapped with
// fmt.Errorf("...: %w", ...) at the call site so context survives
// errors.Is checks.
var (
	ErrMessageRead     = errors.New("codec: message read past end of payload")
	ErrOpcodeMismatch  = errors.New("codec: opcode mismatch")
	ErrCompression     = errors.New("codec: compression error")
	ErrUnknownOpcode   = errors.New("codec: unknown opcode")
)
