//go:build !linux

package privilege

import "errors"

var errUnsupported = errors.New("privilege operations are only supported on linux")

type unsupportedProvider struct{}

// Linux returns a provider whose every operation fails on this platform.
func Linux() Provider {
	return unsupportedProvider{}
}

func (unsupportedProvider) SetProcessName(string) error      { return errUnsupported }
func (unsupportedProvider) SetNoNewPrivileges() error         { return errUnsupported }
func (unsupportedProvider) InstallSeccompFilter([]byte) error { return errUnsupported }
func (unsupportedProvider) LockSecureBits() error             { return errUnsupported }
func (unsupportedProvider) DropBoundingCapabilities() error   { return errUnsupported }
func (unsupportedProvider) DropEffectiveCapabilities() error  { return errUnsupported }
func (unsupportedProvider) SetIdentity(int, int) error        { return errUnsupported }
func (unsupportedProvider) Clone(string, []string, []string, []uintptr, IDMapping) (int, error) {
	return 0, errUnsupported
}
