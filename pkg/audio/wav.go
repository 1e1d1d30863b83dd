package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

const (
	wavFormatPCM        = 1
	wavFormatFloat      = 3
	wavFormatExtensible = 0xFFFE

	bitsPerSample = 16
)

// wavHeader is the subset of the RIFF fmt chunk needed to interpret the data
// chunk.
type wavHeader struct {
	format        uint16
	channels      int
	sampleRate    int
	bitsPerSample int
}

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// DecodeWAV parses a RIFF WAVE file holding 8/16/24/32-bit integer PCM or
// 32/64-bit IEEE float samples. It returns the down-mixed mono signal at the
// file's native sample rate. Unknown chunks are skipped.
func DecodeWAV(data []byte) (*Waveform, error) {
	if !IsWAV(data) {
		return nil, fmt.Errorf("%w: missing RIFF/WAVE header", ErrUnsupportedFormat)
	}

	var (
		hdr     *wavHeader
		payload []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := data[off+8:]
		if size > len(body) {
			// Streamed WAVs often carry a placeholder size; take what is there.
			size = len(body)
		}
		body = body[:size]

		switch id {
		case "fmt ":
			h, err := parseFmtChunk(body)
			if err != nil {
				return nil, err
			}
			hdr = h
		case "data":
			payload = body
		}
		if payload != nil && hdr != nil {
			break
		}
		off += 8 + size + size%2
	}

	if hdr == nil {
		return nil, fmt.Errorf("%w: wav has no fmt chunk", ErrUnsupportedFormat)
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: wav has no data chunk", ErrUnsupportedFormat)
	}

	interleaved, err := decodeSamples(payload, hdr)
	if err != nil {
		return nil, err
	}
	return &Waveform{
		Samples:    Downmix(interleaved, hdr.channels),
		SampleRate: hdr.sampleRate,
	}, nil
}

func parseFmtChunk(b []byte) (*wavHeader, error) {
	if len(b) < 16 {
		return nil, fmt.Errorf("%w: short fmt chunk", ErrUnsupportedFormat)
	}
	h := &wavHeader{
		format:        binary.LittleEndian.Uint16(b[0:2]),
		channels:      int(binary.LittleEndian.Uint16(b[2:4])),
		sampleRate:    int(binary.LittleEndian.Uint32(b[4:8])),
		bitsPerSample: int(binary.LittleEndian.Uint16(b[14:16])),
	}
	if h.format == wavFormatExtensible && len(b) >= 26 {
		// The first two bytes of the sub-format GUID carry the real format tag.
		h.format = binary.LittleEndian.Uint16(b[24:26])
	}
	if h.channels <= 0 || h.sampleRate <= 0 {
		return nil, fmt.Errorf("%w: wav declares %d channels at %dHz", ErrUnsupportedFormat, h.channels, h.sampleRate)
	}
	return h, nil
}

func decodeSamples(p []byte, h *wavHeader) ([]float32, error) {
	switch {
	case h.format == wavFormatPCM && h.bitsPerSample == 8:
		out := make([]float32, len(p))
		for i, b := range p {
			out[i] = (float32(b) - 128) / 128
		}
		return out, nil
	case h.format == wavFormatPCM && h.bitsPerSample == 16:
		return PCM16ToFloat32(p), nil
	case h.format == wavFormatPCM && h.bitsPerSample == 24:
		n := len(p) / 3
		out := make([]float32, n)
		for i := range n {
			v := int32(p[i*3]) | int32(p[i*3+1])<<8 | int32(int8(p[i*3+2]))<<16
			out[i] = float32(v) / (1 << 23)
		}
		return out, nil
	case h.format == wavFormatPCM && h.bitsPerSample == 32:
		n := len(p) / 4
		out := make([]float32, n)
		for i := range n {
			v := int32(binary.LittleEndian.Uint32(p[i*4:]))
			out[i] = float32(float64(v) / (1 << 31))
		}
		return out, nil
	case h.format == wavFormatFloat && h.bitsPerSample == 32:
		n := len(p) / 4
		out := make([]float32, n)
		for i := range n {
			out[i] = clamp(math.Float32frombits(binary.LittleEndian.Uint32(p[i*4:])))
		}
		return out, nil
	case h.format == wavFormatFloat && h.bitsPerSample == 64:
		n := len(p) / 8
		out := make([]float32, n)
		for i := range n {
			out[i] = clamp(float32(math.Float64frombits(binary.LittleEndian.Uint64(p[i*8:]))))
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: wav format %d with %d bits per sample", ErrUnsupportedFormat, h.format, h.bitsPerSample)
}

// EncodeWAV wraps w in a 16-bit mono PCM RIFF/WAVE container.
func EncodeWAV(w *Waveform) []byte {
	pcm := Float32ToPCM16(w.Samples)
	const channels = 1
	byteRate := w.SampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))

	// RIFF chunk descriptor
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	// fmt sub-chunk
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(wavFormatPCM))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(w.SampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))

	// data sub-chunk
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}
