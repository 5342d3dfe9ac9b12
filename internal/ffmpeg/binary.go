// Package ffmpeg provides hardware capability probing, command synthesis,
// process wrappers, and stream analysis around the external FFmpeg tools.
package ffmpeg

import (
	"errors"
	"fmt"
	"os/exec"
)

// Sentinel errors surfaced by this package.
var (
	// ErrBinaryNotFound indicates the encoder or probe binary could not
	// be located on the configured path or $PATH.
	ErrBinaryNotFound = errors.New("binary not found")

	// ErrRenderDeviceUnavailable indicates a required VAAPI render node
	// is missing or unreadable. Command build fails fast on it; the
	// runtime sandbox must expose the DRI device.
	ErrRenderDeviceUnavailable = errors.New("render device unavailable")
)

// ResolveBinary returns the path of the ffmpeg binary: the configured
// path when set, otherwise a $PATH lookup.
func ResolveBinary(configured string) (string, error) {
	return resolve(configured, "ffmpeg")
}

// ResolveProbeBinary returns the path of the ffprobe binary.
func ResolveProbeBinary(configured string) (string, error) {
	return resolve(configured, "ffprobe")
}

func resolve(configured, name string) (string, error) {
	if configured != "" {
		if _, err := exec.LookPath(configured); err != nil {
			return "", fmt.Errorf("%w: %s (%v)", ErrBinaryNotFound, configured, err)
		}
		return configured, nil
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s not on $PATH", ErrBinaryNotFound, name)
	}
	return path, nil
}
