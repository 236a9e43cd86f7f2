//go:build linux && amd64

package kvm

import (
	"errors"
	"io/fs"
	"os"
)

// Supported returns true if the KVM device node is present. It does not
// verify access rights; New surfaces permission errors.
func Supported() (bool, error) {
	if _, err := os.Stat(devKVM); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
