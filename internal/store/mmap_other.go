//go:build !linux && !darwin

package store

import "os"

func mapFile(*os.File, int, bool) ([]byte, error) {
	return nil, ErrUnsupportedPlatform
}

func syncMapping([]byte, bool) error {
	return nil
}

func unmapFile([]byte) error {
	return nil
}
