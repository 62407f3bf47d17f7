//go:build debug_mem_utils

package memutils

const (
	// DebugFillEnabled is true when allocators should paint payloads with CreatedFillPattern and
	// DestroyedFillPattern
	DebugFillEnabled bool = true
)

// DebugFill overwrites data with the provided pattern byte.
// This method no-ops unless the debug_mem_utils build tag is present.
func DebugFill(data []byte, pattern byte) {
	for i := range data {
		data[i] = pattern
	}
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_mem_utils build tag is present
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the debug_mem_utils build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
	err := CheckPow2[T](value, name)
	if err != nil {
		panic(err)
	}
}
