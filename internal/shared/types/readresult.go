package types

// ReadResult carries the outcome of reading a clinical value from the
// encrypted store. A value that could not be decrypted is represented
// explicitly rather than as an error, because callers must keep going:
// a read failure on one field must never suppress processing of the
// fields that did decrypt.
type ReadResult struct {
	value    string
	readable bool
}

// Decrypted wraps a successfully decrypted value.
func Decrypted(value string) ReadResult {
	return ReadResult{value: value, readable: true}
}

// Unreadable marks a value that could not be decrypted.
func Unreadable() ReadResult {
	return ReadResult{}
}

// Readable reports whether the value decrypted successfully.
func (r ReadResult) Readable() bool {
	return r.readable
}

// Value returns the decrypted value and whether it is usable.
func (r ReadResult) Value() (string, bool) {
	return r.value, r.readable
}

// OrPlaceholder returns the decrypted value, or the given placeholder
// when the value is unreadable. Display paths use this; clinical logic
// must check Readable instead.
func (r ReadResult) OrPlaceholder(placeholder string) string {
	if r.readable {
		return r.value
	}
	return placeholder
}
