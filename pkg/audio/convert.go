package audio

import (
	"encoding/binary"
	"fmt"
	"math"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Downmix averages interleaved multi-channel samples into a mono signal.
// When channels is 1 the input is returned unchanged.
func Downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}
	n := len(interleaved) / channels
	mono := make([]float32, n)
	for i := range n {
		var sum float32
		for ch := range channels {
			sum += interleaved[i*channels+ch]
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}

// Resample converts mono samples from one rate to another using a
// high-quality polyphase resampler. Samples are returned unchanged when the
// rates already match.
func Resample(samples []float32, fromRate, toRate int) ([]float32, error) {
	if fromRate == toRate || len(samples) == 0 {
		return samples, nil
	}
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("audio: resample %s: invalid rate", rateString(fromRate, toRate))
	}

	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(fromRate),
		OutputRate: float64(toRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("audio: create resampler %s: %w", rateString(fromRate, toRate), err)
	}

	in := make([]float64, len(samples))
	for i, s := range samples {
		in[i] = float64(s)
	}
	out, err := rs.Process(in)
	if err != nil {
		return nil, fmt.Errorf("audio: resample %s: %w", rateString(fromRate, toRate), err)
	}
	tail, err := rs.Flush()
	if err != nil {
		return nil, fmt.Errorf("audio: flush resampler %s: %w", rateString(fromRate, toRate), err)
	}
	out = append(out, tail...)

	// The filter delay shifts samples between Process and Flush; the output
	// length must still match the input duration.
	want := ResampledLength(len(samples), fromRate, toRate)
	res := make([]float32, want)
	for i := range min(want, len(out)) {
		res[i] = clamp(float32(out[i]))
	}
	return res, nil
}

// ResampledLength is the number of samples n input samples occupy at toRate.
func ResampledLength(n, fromRate, toRate int) int {
	return int(math.Round(float64(n) * float64(toRate) / float64(fromRate)))
}

// PCM16ToFloat32 converts 16-bit signed little-endian PCM to float32 samples
// in [-1.0, 1.0]. A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		samples[i] = float32(sample) / 32768.0
	}
	return samples
}

// Float32ToPCM16 converts float32 samples to 16-bit signed little-endian PCM,
// clipping values outside [-1.0, 1.0].
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int16(math.Round(float64(clamp(s)) * 32767))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func clamp(s float32) float32 {
	switch {
	case s > 1:
		return 1
	case s < -1:
		return -1
	}
	return s
}

// rateString returns a human-readable rate conversion, e.g. "44100Hz->16000Hz".
func rateString(from, to int) string {
	return fmt.Sprintf("%dHz->%dHz", from, to)
}
