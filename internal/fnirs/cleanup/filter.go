package cleanup

import "math"

// butterworthQ is the quality factor of a 2nd-order Butterworth section.
const butterworthQ = math.Sqrt2 / 2

// Biquad is a second-order IIR section in transposed direct form II.
type Biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
	z1, z2     float64
}

// prewarp maps cutoffHz to the bilinear-transform frequency. The cutoff is
// clamped to [1e-4, 0.99] of Nyquist so every setting yields a stable filter.
func prewarp(sampleRateHz, cutoffHz float64) float64 {
	return math.Tan(math.Pi * normalized(sampleRateHz, cutoffHz) / 2)
}

func normalized(sampleRateHz, cutoffHz float64) float64 {
	return math.Min(math.Max(cutoffHz/(sampleRateHz/2), 1e-4), 0.99)
}

// LowPass returns a 2nd-order Butterworth low-pass filter.
func LowPass(sampleRateHz, cutoffHz float64) Biquad {
	k := prewarp(sampleRateHz, cutoffHz)
	norm := 1 / (1 + k/butterworthQ + k*k)
	b0 := k * k * norm
	return Biquad{
		b0: b0, b1: 2 * b0, b2: b0,
		a1: 2 * (k*k - 1) * norm,
		a2: (1 - k/butterworthQ + k*k) * norm,
	}
}

// HighPass returns a 2nd-order Butterworth high-pass filter.
func HighPass(sampleRateHz, cutoffHz float64) Biquad {
	k := prewarp(sampleRateHz, cutoffHz)
	norm := 1 / (1 + k/butterworthQ + k*k)
	return Biquad{
		b0: norm, b1: -2 * norm, b2: norm,
		a1: 2 * (k*k - 1) * norm,
		a2: (1 - k/butterworthQ + k*k) * norm,
	}
}

// Step filters one sample.
func (f *Biquad) Step(x float64) float64 {
	y := f.b0*x + f.z1
	f.z1 = f.b1*x - f.a1*y + f.z2
	f.z2 = f.b2*x - f.a2*y
	return y
}

// DCGain is the filter's response to a constant input.
func (f *Biquad) DCGain() float64 {
	return (f.b0 + f.b1 + f.b2) / (1 + f.a1 + f.a2)
}

// Prime sets the state to the steady response to a constant input x, so the
// first samples do not ring.
func (f *Biquad) Prime(x float64) {
	y := x * f.DCGain()
	f.z2 = f.b2*x - f.a2*y
	f.z1 = f.b1*x - f.a1*y + f.z2
}
