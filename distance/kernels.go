package distance

import "golang.org/x/sys/cpu"

// Kernel implementations are selected once at package init based on a CPU
// capability probe. Wide registers make the 4x-unrolled loops profitable;
// on older cores the straight loops avoid spilling.
var (
	dotKernel       func(a, b []float32) float32
	squaredL2Kernel func(a, b []float32) float32
)

func init() {
	if cpu.X86.HasAVX2 || cpu.ARM64.HasASIMD {
		dotKernel = dotUnroll4
		squaredL2Kernel = squaredL2Unroll4
	} else {
		dotKernel = dotGeneric
		squaredL2Kernel = squaredL2Generic
	}
}

func dotGeneric(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func dotUnroll4(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	i := 0
	for ; i+4 <= len(a); i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	sum := s0 + s1 + s2 + s3
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

func squaredL2Generic(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

func squaredL2Unroll4(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	i := 0
	for ; i+4 <= len(a); i += 4 {
		d0 := a[i] - b[i]
		d1 := a[i+1] - b[i+1]
		d2 := a[i+2] - b[i+2]
		d3 := a[i+3] - b[i+3]
		s0 += d0 * d0
		s1 += d1 * d1
		s2 += d2 * d2
		s3 += d3 * d3
	}
	sum := s0 + s1 + s2 + s3
	for ; i < len(a); i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
