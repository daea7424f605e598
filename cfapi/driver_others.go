//go:build !windows

package cfapi

import (
	"runtime"

	"github.com/pkg/errors"

	cloudfilter "github.com/winfsp/go-cloudfilter"
	"github.com/winfsp/go-cloudfilter/status"
)

// Load always fails, cldapi.dll only exists on Windows.
func Load() error {
	return errors.Wrapf(status.ProviderNotRunning,
		"cloud files unsupported on %s", runtime.GOOS)
}

// New always fails, see Load.
func New() (cloudfilter.Driver, error) {
	return nil, Load()
}
