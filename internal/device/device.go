// Package device reads scalar attributes exposed by the kernel as files.
package device

import (
	"os"
	"strconv"
	"strings"

	"github.com/shelepuginivan/systat/fault"
)

// ReadScalar returns the content of the file at path without surrounding
// whitespace. It does not cache.
func ReadScalar(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fault.Wrap(fault.IO, err, "read "+path)
	}
	return strings.TrimSpace(string(data)), nil
}

// ReadInt reads a decimal integer attribute.
func ReadInt(path string) (int64, error) {
	value, err := ReadScalar(path)
	if err != nil {
		return 0, err
	}

	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fault.Wrap(fault.IO, err, "parse "+path)
	}

	return n, nil
}

// ReadFirstInt reads the first of paths that exists.
func ReadFirstInt(paths ...string) (int64, error) {
	var err error
	for _, path := range paths {
		var n int64
		if n, err = ReadInt(path); err == nil {
			return n, nil
		}
	}
	return 0, err
}
