//go:build !linux || (!arm && !arm64)

package host

import "fmt"

func openPowerLine(pin int) (powerLine, error) {
	return nil, fmt.Errorf("host: gpio unsupported on this platform")
}
