package storage

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// TempPrefix marks in-flight uploads inside the shared root. Client names may
// not use it so a staged file can never be mistaken for a synced one.
const TempPrefix = ".filesync-"

const maxNameLength = 255

var (
	ErrMissingName = errors.New("missing filename")
	ErrUnsafeName  = errors.New("unsafe filename")
	ErrInvalidName = errors.New("invalid filename")
	ErrOutsideRoot = errors.New("path escapes shared root")
)

// ValidateName checks a client-declared filename. Only plain names that land
// directly under the shared root are accepted; nothing is rewritten.
func ValidateName(name string) error {
	if name == "" {
		return ErrMissingName
	}
	if name == "." || name == ".." {
		return ErrUnsafeName
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return ErrUnsafeName
	}
	if strings.HasPrefix(name, TempPrefix) {
		return ErrUnsafeName
	}
	if len(name) > maxNameLength || !utf8.ValidString(name) {
		return ErrInvalidName
	}
	return nil
}
