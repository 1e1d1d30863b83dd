package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/endill/pkg/audio"
	"github.com/MrWong99/endill/pkg/provider/stt"
	sttmock "github.com/MrWong99/endill/pkg/provider/stt/mock"
)

func testWaveform() *audio.Waveform {
	return &audio.Waveform{Samples: make([]float32, 1600), SampleRate: audio.CanonicalRate}
}

func TestSTTFallback_Transcribe_PrimarySuccess(t *testing.T) {
	primary := &sttmock.Provider{Segments: []stt.Segment{{Text: "from primary", Start: 0, End: 1}}}
	secondary := &sttmock.Provider{Segments: []stt.Segment{{Text: "from secondary", Start: 0, End: 1}}}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	segs, err := fb.Transcribe(context.Background(), testWaveform())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(segs) != 1 || segs[0].Text != "from primary" {
		t.Fatalf("segments = %+v, want primary result", segs)
	}
	if primary.CallCount() != 1 {
		t.Fatalf("primary called %d times, want 1", primary.CallCount())
	}
	if secondary.CallCount() != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.CallCount())
	}
}

func TestSTTFallback_Transcribe_Failover(t *testing.T) {
	primary := &sttmock.Provider{Err: errors.New("primary down")}
	secondary := &sttmock.Provider{Segments: []stt.Segment{{Text: "from secondary", Start: 0, End: 1}}}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	w := testWaveform()
	segs, err := fb.Transcribe(context.Background(), w)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(segs) != 1 || segs[0].Text != "from secondary" {
		t.Fatalf("segments = %+v, want secondary result", segs)
	}
	if secondary.Calls[0].Waveform != w {
		t.Error("secondary did not receive the same waveform")
	}
}

func TestSTTFallback_Transcribe_AllFail(t *testing.T) {
	primary := &sttmock.Provider{Err: errors.New("primary down")}
	secondary := &sttmock.Provider{Err: errors.New("secondary down")}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.Transcribe(context.Background(), testWaveform())
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestSTTFallback_Transcribe_SkipsOpenBreaker(t *testing.T) {
	primary := &sttmock.Provider{Err: errors.New("primary down")}
	secondary := &sttmock.Provider{Segments: []stt.Segment{{Text: "ok", Start: 0, End: 1}}}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1},
	})
	fb.AddFallback("secondary", secondary)

	for range 3 {
		if _, err := fb.Transcribe(context.Background(), testWaveform()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if primary.CallCount() != 1 {
		t.Errorf("primary called %d times, want 1 (breaker should open)", primary.CallCount())
	}
}

type closingProvider struct {
	sttmock.Provider
	closed bool
}

func (p *closingProvider) Close() error {
	p.closed = true
	return nil
}

func TestSTTFallback_CloseClosesClosers(t *testing.T) {
	native := &closingProvider{}
	fb := NewSTTFallback(&sttmock.Provider{}, "whisper", FallbackConfig{})
	fb.AddFallback("whisper-native", native)

	if err := fb.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if !native.closed {
		t.Error("native backend was not closed")
	}
	if got := fb.Health(); got["whisper"] != StateClosed || got["whisper-native"] != StateClosed {
		t.Errorf("Health() = %v", got)
	}
}
