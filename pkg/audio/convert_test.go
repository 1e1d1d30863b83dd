package audio_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/MrWong99/endill/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func TestDownmix(t *testing.T) {
	stereo := []float32{0.2, 0.4, -0.2, -0.4}
	got := audio.Downmix(stereo, 2)
	want := []float32{0.3, -0.3}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("sample %d: got %f, want %f", i, got[i], want[i])
		}
	}
}

func TestDownmix_MonoPassthrough(t *testing.T) {
	mono := []float32{0.1, 0.2}
	got := audio.Downmix(mono, 1)
	if &got[0] != &mono[0] {
		t.Error("expected mono input to be returned unchanged")
	}
}

func TestPCM16ToFloat32(t *testing.T) {
	got := audio.PCM16ToFloat32(samplesToBytes([]int16{0, 16384, -32768}))
	want := []float32{0, 0.5, -1}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %f, want %f", i, got[i], want[i])
		}
	}
}

func TestPCM16ToFloat32_OddByte(t *testing.T) {
	got := audio.PCM16ToFloat32([]byte{0x00, 0x40, 0x01})
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
}

func TestFloat32ToPCM16_Clipping(t *testing.T) {
	pcm := audio.Float32ToPCM16([]float32{2, -2, 0})
	got := []int16{
		int16(binary.LittleEndian.Uint16(pcm[0:])),
		int16(binary.LittleEndian.Uint16(pcm[2:])),
		int16(binary.LittleEndian.Uint16(pcm[4:])),
	}
	want := []int16{32767, -32767, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestResample_SameRate(t *testing.T) {
	in := []float32{0.1, 0.2, 0.3}
	out, err := audio.Resample(in, 16000, 16000)
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}
	if len(out) != len(in) {
		t.Errorf("len = %d, want %d", len(out), len(in))
	}
}

func TestResample_Length(t *testing.T) {
	tests := []struct {
		name     string
		fromRate int
		n        int
	}{
		{"44.1k 10ms", 44100, 441},
		{"44.1k 100ms", 44100, 4410},
		{"44.1k 1s", 44100, 44100},
		{"48k 1s", 48000, 48000},
		{"8k 1s", 8000, 8000},
		{"8k odd length", 8000, 8001},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := make([]float32, tt.n)
			for i := range in {
				in[i] = 0.25
			}
			out, err := audio.Resample(in, tt.fromRate, audio.CanonicalRate)
			if err != nil {
				t.Fatalf("Resample: %v", err)
			}
			want := float64(tt.n) * audio.CanonicalRate / float64(tt.fromRate)
			if math.Abs(float64(len(out))-want) > 1 {
				t.Errorf("len = %d, want %.1f ±1", len(out), want)
			}
		})
	}
}

func TestResample_InvalidRate(t *testing.T) {
	if _, err := audio.Resample([]float32{0.1}, 0, 16000); err == nil {
		t.Error("expected error for zero input rate")
	}
}

func TestRMS(t *testing.T) {
	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %f, want 0", got)
	}
	if got := audio.RMS([]float32{0.5, -0.5}); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("RMS = %f, want 0.5", got)
	}
}
