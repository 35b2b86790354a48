package kernel

// usercopy.go moves bytes across the user/kernel boundary. Every user pointer is
// validated against the caller's areas page by page; copies are byte-bounded and never
// cross out of a validated page without re-validating.

import (
	"github.com/jack-chaudier/ocean/internal/mem"
	"github.com/jack-chaudier/ocean/internal/sched"
)

// copyFromUser reads n bytes at va from the process's address space.
func (k *Kernel) copyFromUser(proc *sched.Process, va mem.VirtAddr, n uint64) ([]byte, Errno) {
	sp, _ := spaceOf(proc)
	if sp == nil {
		return nil, EFAULT
	}

	out := make([]byte, 0, n)

	for n > 0 {
		pa, err := sp.ResolveUser(va, false)
		if err != nil {
			return nil, EFAULT
		}

		chunk := mem.PageSize - uint64(pa)&mem.PageMask
		if chunk > n {
			chunk = n
		}

		out = append(out, k.RAM.Bytes(pa, int(chunk))...)
		va += mem.VirtAddr(chunk)
		n -= chunk
	}

	return out, 0
}

// copyToUser writes data at va in the process's address space.
func (k *Kernel) copyToUser(proc *sched.Process, va mem.VirtAddr, data []byte) Errno {
	sp, _ := spaceOf(proc)
	if sp == nil {
		return EFAULT
	}

	for len(data) > 0 {
		pa, err := sp.ResolveUser(va, true)
		if err != nil {
			return EFAULT
		}

		chunk := int(mem.PageSize - uint64(pa)&mem.PageMask)
		if chunk > len(data) {
			chunk = len(data)
		}

		copy(k.RAM.Bytes(pa, chunk), data[:chunk])
		va += mem.VirtAddr(chunk)
		data = data[chunk:]
	}

	return 0
}

// copyStringFromUser reads a NUL-terminated string of at most max bytes.
func (k *Kernel) copyStringFromUser(proc *sched.Process, va mem.VirtAddr, max int) (string, Errno) {
	sp, _ := spaceOf(proc)
	if sp == nil {
		return "", EFAULT
	}

	var out []byte

	for len(out) < max {
		pa, err := sp.ResolveUser(va, false)
		if err != nil {
			return "", EFAULT
		}

		chunk := int(mem.PageSize - uint64(pa)&mem.PageMask)
		if rem := max - len(out); chunk > rem {
			chunk = rem
		}

		b := k.RAM.Bytes(pa, chunk)

		for i, c := range b {
			if c == 0 {
				return string(append(out, b[:i]...)), 0
			}
		}

		out = append(out, b...)
		va += mem.VirtAddr(chunk)
	}

	return "", EINVAL
}
