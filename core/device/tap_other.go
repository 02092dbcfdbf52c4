//go:build !linux

package device

import (
	"errors"
	"os"
)

func openTap(string) (*os.File, error) {
	return nil, errors.New("tap devices are only supported on linux")
}
