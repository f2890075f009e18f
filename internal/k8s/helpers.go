package k8s

import (
	"encoding/json"
	"errors"
)

// errorsIsAlreadyExists reports whether a classified Gateway error wraps
// ErrAlreadyExists. Kept as a small helper so Ensure* callers read as
// "already exists, so read instead" rather than repeating errors.Is.
func errorsIsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// mergePatch marshals a patch body for types.MergePatchType.
func mergePatch(body map[string]interface{}) ([]byte, error) {
	return json.Marshal(body)
}
