package kvstore

import (
	"encoding/hex"
	"fmt"
	"strings"
)

func hexstr(b []byte) string {
	if b == nil {
		return "<nil>"
	}
	if len(b) == 0 {
		return "<empty>"
	}
	return hex.EncodeToString(b)
}

// validateInstanceName only admits names usable as plain file names, since the
// file-backed engines derive the file path from the instance name.
func validateInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("kvstore: empty instance name")
	}
	if name == "." || name == ".." || strings.ContainsAny(name, "/\\:\x00") {
		return fmt.Errorf("kvstore: invalid instance name %q", name)
	}
	return nil
}
