package tmf

import "os"

const tmfAlign = 8

// rangesOverlap reports whether the half-open ranges [a0,a1) and [b0,b1)
// intersect.
func rangesOverlap(a0, a1, b0, b1 uint64) bool {
	return a0 < b1 && b0 < a1
}

func writeFull(f *os.File, p []byte) error {
	for len(p) > 0 {
		n, err := f.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}
