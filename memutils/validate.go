package memutils

const (
	// CreatedFillPattern is painted over fresh payloads in debug builds
	CreatedFillPattern byte = 0xDC
	// DestroyedFillPattern is painted over released payloads in debug builds
	DestroyedFillPattern byte = 0xEF
)

// Validatable is used by the DebugValidate method to allow it to act upon
// all types with a Validate method
type Validatable interface {
	Validate() error
}
