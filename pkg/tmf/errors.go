package tmf

import "errors"

var (
	ErrInvalidMagic     = errors.New("invalid TMF magic")
	ErrUnsupportedMajor = errors.New("unsupported TMF major version")
	ErrUnsupportedMinor = errors.New("unsupported TMF payload version")
	ErrCorruptFile      = errors.New("corrupt TMF file")
)
