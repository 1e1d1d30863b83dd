package diarize

import (
	"fmt"
	"strings"

	"github.com/MrWong99/endill/pkg/provider/embeddings"
	"github.com/MrWong99/endill/pkg/provider/stt"
)

// Strategy names accepted by [New].
const (
	StrategySpectral    = "spectral"
	StrategyLearned     = "learned"
	StrategyAlternating = "alternating"
)

// Strategies lists every strategy name accepted by [New].
var Strategies = []string{StrategySpectral, StrategyLearned, StrategyAlternating}

// Dependencies carries the collaborators strategies may need. Only the ones
// used by the selected strategy have to be set.
type Dependencies struct {
	// Spectral embeds windows for the spectral strategy.
	Spectral embeddings.Extractor

	// Learned embeds windows for the learned strategy.
	Learned embeddings.Extractor

	// Transcriber backs the alternating strategy when no transcript is passed.
	Transcriber stt.Provider

	// Options apply to embedding-based strategies.
	Options []EmbeddingOption
}

// New builds the strategy called name.
func New(name string, deps Dependencies) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case StrategySpectral:
		return NewEmbeddingStrategy(StrategySpectral, deps.Spectral, deps.Options...)
	case StrategyLearned:
		return NewEmbeddingStrategy(StrategyLearned, deps.Learned, deps.Options...)
	case StrategyAlternating:
		return NewAlternatingStrategy(deps.Transcriber), nil
	}
	return nil, fmt.Errorf("diarize: unknown strategy %q (want one of %s)", name, strings.Join(Strategies, ", "))
}
