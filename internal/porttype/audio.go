package porttype

import "unsafe"

// AsFloat32 views an audio buffer as samples. The buffer comes from an
// mmap'd arena sized in whole float32s, so the reslice is always in bounds.
func AsFloat32(buf []byte, nframes uint32) []float32 {
	if len(buf) == 0 || nframes == 0 {
		return nil
	}
	n := int(nframes)
	if max := len(buf) / 4; n > max {
		n = max
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&buf[0])), n)
}

func audioBufferInit(buf []byte, nframes uint32) {
	s := AsFloat32(buf, nframes)
	for i := range s {
		s[i] = 0
	}
}

// audioMixdown writes the sample-wise sum of all sources into dst.
func audioMixdown(dst []byte, srcs [][]byte, nframes uint32) {
	out := AsFloat32(dst, nframes)
	if len(srcs) == 0 {
		for i := range out {
			out[i] = 0
		}
		return
	}
	first := AsFloat32(srcs[0], nframes)
	copy(out, first)
	for _, src := range srcs[1:] {
		in := AsFloat32(src, nframes)
		for i := range in {
			if i >= len(out) {
				break
			}
			out[i] += in[i]
		}
	}
}
