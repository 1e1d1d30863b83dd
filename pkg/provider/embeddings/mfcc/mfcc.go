// Package mfcc provides the spectral speaker-embedding extractor: the mean over
// time of a frame's mel-frequency cepstral coefficients.
//
// The feature recipe follows the common python_speech_features defaults:
// 0.97 pre-emphasis, 25 ms analysis windows with a 10 ms hop and no window
// taper, a 512-point FFT, 26 triangular mel filters spanning 0 Hz to Nyquist,
// log filterbank energies, an orthonormal DCT-II keeping 13 coefficients,
// sinusoidal liftering with L=22, and the zeroth coefficient replaced by the
// log frame energy.
//
// The resulting 13-dimensional vector is a coarse voice summary. It is cheap
// and deterministic, but it is sensitive to channel and noise conditions.
package mfcc

import (
	"context"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/MrWong99/endill/pkg/audio"
	"github.com/MrWong99/endill/pkg/provider/embeddings"
)

// Defaults for [Config].
const (
	DefaultNumCep      = 13
	DefaultNumFilters  = 26
	DefaultFFTSize     = 512
	DefaultWinSeconds  = 0.025
	DefaultStepSeconds = 0.010
	DefaultPreemph     = 0.97
	DefaultCepLifter   = 22
)

// silenceFloor is the RMS below which a frame carries no usable voice.
const silenceFloor = 1e-6

var _ embeddings.Extractor = (*Extractor)(nil)

// Config holds the feature recipe. Zero-value fields take the package
// defaults.
type Config struct {
	NumCep      int
	NumFilters  int
	FFTSize     int
	WinSeconds  float64
	StepSeconds float64
	Preemph     float64
	CepLifter   int
}

func (c *Config) applyDefaults() {
	if c.NumCep <= 0 {
		c.NumCep = DefaultNumCep
	}
	if c.NumFilters <= 0 {
		c.NumFilters = DefaultNumFilters
	}
	if c.FFTSize <= 0 {
		c.FFTSize = DefaultFFTSize
	}
	if c.WinSeconds <= 0 {
		c.WinSeconds = DefaultWinSeconds
	}
	if c.StepSeconds <= 0 {
		c.StepSeconds = DefaultStepSeconds
	}
	if c.Preemph == 0 {
		c.Preemph = DefaultPreemph
	}
	if c.CepLifter == 0 {
		c.CepLifter = DefaultCepLifter
	}
}

// Extractor computes MFCC summary embeddings. Filterbanks are built once per
// sample rate and cached. Extractor is safe for concurrent use.
type Extractor struct {
	cfg Config

	dct    *mat.Dense // NumFilters x NumCep, orthonormal DCT-II
	lifter []float64

	mu     sync.Mutex
	fbanks map[int]*mat.Dense // sample rate -> NumFilters x (FFTSize/2+1)

	ffts sync.Pool
}

// New returns an Extractor for cfg.
func New(cfg Config) (*Extractor, error) {
	cfg.applyDefaults()
	if cfg.NumCep > cfg.NumFilters {
		return nil, fmt.Errorf("mfcc: num_cep %d exceeds num_filters %d", cfg.NumCep, cfg.NumFilters)
	}
	e := &Extractor{
		cfg:    cfg,
		dct:    dctMatrix(cfg.NumFilters, cfg.NumCep),
		lifter: lifter(cfg.NumCep, cfg.CepLifter),
		fbanks: make(map[int]*mat.Dense),
	}
	n := cfg.FFTSize
	e.ffts.New = func() any { return fourier.NewFFT(n) }
	return e, nil
}

// Dimensions returns the number of cepstral coefficients.
func (e *Extractor) Dimensions() int { return e.cfg.NumCep }

// ModelID identifies the feature recipe.
func (e *Extractor) ModelID() string {
	return fmt.Sprintf("mfcc-%d", e.cfg.NumCep)
}

// Extract returns the mean MFCC vector of samples.
// Silent or non-finite input yields [embeddings.ErrFeatureExtraction].
func (e *Extractor) Extract(ctx context.Context, samples []float32, sampleRate int) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("mfcc: invalid sample rate %d", sampleRate)
	}
	if len(samples) == 0 || audio.RMS(samples) < silenceFloor {
		return nil, fmt.Errorf("%w: silent frame", embeddings.ErrFeatureExtraction)
	}

	feats := e.cepstra(samples, sampleRate)
	rows, cols := feats.Dims()
	out := make([]float32, cols)
	col := make([]float64, rows)
	for j := range cols {
		mat.Col(col, j, feats)
		m := floats.Sum(col) / float64(rows)
		if math.IsNaN(m) || math.IsInf(m, 0) {
			return nil, fmt.Errorf("%w: non-finite coefficient %d", embeddings.ErrFeatureExtraction, j)
		}
		out[j] = float32(m)
	}
	return out, nil
}

// cepstra returns the T x NumCep matrix of liftered cepstral coefficients.
func (e *Extractor) cepstra(samples []float32, sampleRate int) *mat.Dense {
	signal := preemphasis(samples, e.cfg.Preemph)

	winLen := int(math.Round(e.cfg.WinSeconds * float64(sampleRate)))
	step := int(math.Round(e.cfg.StepSeconds * float64(sampleRate)))
	winLen = min(max(winLen, 1), e.cfg.FFTSize)
	step = max(step, 1)

	numFrames := 1
	if len(signal) > winLen {
		numFrames += int(math.Ceil(float64(len(signal)-winLen) / float64(step)))
	}
	bins := e.cfg.FFTSize/2 + 1

	fft := e.ffts.Get().(*fourier.FFT)
	defer e.ffts.Put(fft)

	pspec := mat.NewDense(numFrames, bins, nil)
	energy := make([]float64, numFrames)
	seq := make([]float64, e.cfg.FFTSize)
	coeffs := make([]complex128, bins)
	for t := range numFrames {
		clear(seq)
		start := t * step
		for i := 0; i < winLen && start+i < len(signal); i++ {
			seq[i] = signal[start+i]
		}
		fft.Coefficients(coeffs, seq)
		row := pspec.RawRowView(t)
		for k, c := range coeffs {
			re, im := real(c), imag(c)
			row[k] = (re*re + im*im) / float64(e.cfg.FFTSize)
		}
		energy[t] = floorEps(floats.Sum(row))
	}

	var fbEnergy mat.Dense
	fbEnergy.Mul(pspec, e.filterbank(sampleRate).T())
	fbEnergy.Apply(func(_, _ int, v float64) float64 { return math.Log(floorEps(v)) }, &fbEnergy)

	var cep mat.Dense
	cep.Mul(&fbEnergy, e.dct)
	cep.Apply(func(_, j int, v float64) float64 { return v * e.lifter[j] }, &cep)
	for t := range numFrames {
		cep.Set(t, 0, math.Log(energy[t]))
	}
	return &cep
}

// filterbank returns the cached mel filterbank for sampleRate.
func (e *Extractor) filterbank(sampleRate int) *mat.Dense {
	e.mu.Lock()
	defer e.mu.Unlock()
	fb, ok := e.fbanks[sampleRate]
	if !ok {
		fb = melFilterbank(e.cfg.NumFilters, e.cfg.FFTSize, sampleRate)
		e.fbanks[sampleRate] = fb
	}
	return fb
}

func preemphasis(samples []float32, coeff float64) []float64 {
	out := make([]float64, len(samples))
	out[0] = float64(samples[0])
	for i := 1; i < len(samples); i++ {
		out[i] = float64(samples[i]) - coeff*float64(samples[i-1])
	}
	return out
}

func hzToMel(hz float64) float64 { return 2595 * math.Log10(1+hz/700) }
func melToHz(mel float64) float64 { return 700 * (math.Pow(10, mel/2595) - 1) }

// melFilterbank builds nfilt triangular filters over the nfft/2+1 FFT bins,
// equally spaced on the mel scale between 0 Hz and Nyquist.
func melFilterbank(nfilt, nfft, sampleRate int) *mat.Dense {
	bins := nfft/2 + 1
	points := make([]float64, nfilt+2)
	floats.Span(points, hzToMel(0), hzToMel(float64(sampleRate)/2))

	bin := make([]int, len(points))
	for i, m := range points {
		bin[i] = int(math.Floor(float64(nfft+1) * melToHz(m) / float64(sampleRate)))
	}

	fb := mat.NewDense(nfilt, bins, nil)
	for j := range nfilt {
		for i := bin[j]; i < bin[j+1] && i < bins; i++ {
			fb.Set(j, i, float64(i-bin[j])/float64(bin[j+1]-bin[j]))
		}
		for i := bin[j+1]; i < bin[j+2] && i < bins; i++ {
			fb.Set(j, i, float64(bin[j+2]-i)/float64(bin[j+2]-bin[j+1]))
		}
	}
	return fb
}

// dctMatrix returns the n x k matrix D such that x·D is the orthonormal DCT-II
// of the row vector x truncated to k coefficients.
func dctMatrix(n, k int) *mat.Dense {
	d := mat.NewDense(n, k, nil)
	for c := range k {
		scale := math.Sqrt(2 / float64(n))
		if c == 0 {
			scale = math.Sqrt(1 / float64(n))
		}
		for r := range n {
			d.Set(r, c, scale*math.Cos(math.Pi*float64(c)*(2*float64(r)+1)/(2*float64(n))))
		}
	}
	return d
}

func lifter(numCep, l int) []float64 {
	out := make([]float64, numCep)
	for i := range out {
		out[i] = 1
		if l > 0 {
			out[i] += float64(l) / 2 * math.Sin(math.Pi*float64(i)/float64(l))
		}
	}
	return out
}

// eps is the float64 machine epsilon, used as the floor for zero energies.
const eps = 2.220446049250313e-16

// floorEps replaces zero energies so that log stays finite.
func floorEps(v float64) float64 {
	if v <= 0 {
		return eps
	}
	return v
}
