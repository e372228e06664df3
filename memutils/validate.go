package memutils

// Validatable is anything that can check its own bookkeeping for consistency. DebugValidate
// accepts any Validatable, such as an allocator after it has handed out or reclaimed blocks.
type Validatable interface {
	Validate() error
}
