// Package jsonhelper decodes JSON configuration files.
package jsonhelper

import (
	"encoding/json"
	"os"
)

// OpenAndDecodeDisallowUnknownFields opens the file at path and decodes
// it into v. Unknown fields are a decode error, so typos in config
// files fail loudly instead of being silently ignored.
func OpenAndDecodeDisallowUnknownFields(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	d := json.NewDecoder(f)
	d.DisallowUnknownFields()
	return d.Decode(v)
}
