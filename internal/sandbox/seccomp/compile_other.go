//go:build !linux || !cgo

package seccomp

import "errors"

// Compile needs libseccomp and is unavailable in this build.
func (p *Profile) Compile() ([]byte, error) {
	return nil, errors.New("seccomp compilation requires linux with cgo")
}
