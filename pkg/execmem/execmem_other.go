//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd

package execmem

func mapExecutable(int) (*Region, error) {
	return nil, errUnsupported
}
