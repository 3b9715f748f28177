//go:build !unix

package supervisor

import (
	"fmt"
	"runtime"
)

func startPTY(launchSpec) (process, error) {
	return nil, fmt.Errorf("managed flows are not supported on %s", runtime.GOOS)
}
