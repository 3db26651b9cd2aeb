// Package models owns the trained artifacts used for serving: the outlier
// scaler and ensemble, the local text classifier, and the anomaly
// configuration they were trained with. The set is replaced as a unit.
package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rotisserie/eris"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/outlier"
	"github.com/opensource-finance/kestrel/internal/textclass"
)

// FormatVersion is written into every encoded artifact set.
const FormatVersion = 1

var (
	// ErrArtifactNotFound is returned by stores that hold no artifact.
	ErrArtifactNotFound = errors.New("models: artifact not found")

	// ErrModelUnavailable means no usable artifact set is loaded.
	ErrModelUnavailable = errors.New("models: model unavailable")
)

// ArtifactSet is an immutable snapshot of everything needed for scoring.
// A set is never modified after it has been swapped in.
type ArtifactSet struct {
	Version    string               `json:"version"`
	TrainedAt  time.Time            `json:"trained_at"`
	Config     domain.AnomalyConfig `json:"config"`
	Scaler     *outlier.Scaler      `json:"scaler,omitempty"`
	Ensemble   *outlier.Ensemble    `json:"ensemble,omitempty"`
	Classifier *textclass.Model     `json:"classifier,omitempty"`
}

// HasOutlier reports whether the set can score batches.
func (s *ArtifactSet) HasOutlier() bool {
	return s != nil && s.Scaler != nil && s.Ensemble != nil
}

// Summary describes a set without its model parameters.
type Summary struct {
	Version       string               `json:"version"`
	TrainedAt     time.Time            `json:"trainedAt"`
	Primary       string               `json:"primary,omitempty"`
	Models        []string             `json:"models"`
	HasClassifier bool                 `json:"hasClassifier"`
	Categories    []string             `json:"categories,omitempty"`
	Config        domain.AnomalyConfig `json:"config"`
}

// Summarize returns a Summary of s.
func (s *ArtifactSet) Summarize() Summary {
	sum := Summary{
		Version:   s.Version,
		TrainedAt: s.TrainedAt,
		Config:    s.Config,
		Models:    []string{},
	}
	if s.Ensemble != nil {
		sum.Primary = s.Ensemble.Primary
		for _, m := range s.Ensemble.Models {
			sum.Models = append(sum.Models, m.Name())
		}
	}
	if s.Classifier != nil {
		sum.HasClassifier = true
		sum.Categories = s.Classifier.Classes
	}
	return sum
}

type encodedSet struct {
	FormatVersion int          `json:"format_version"`
	Set           *ArtifactSet `json:"set"`
}

var (
	encoder, _ = zstd.NewWriter(nil)
	decoder, _ = zstd.NewReader(nil)
	zstdMagic  = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Encode serializes a set to zstd-compressed JSON.
func Encode(set *ArtifactSet) ([]byte, error) {
	if set == nil {
		return nil, eris.New("models: encode nil artifact set")
	}
	raw, err := json.Marshal(encodedSet{FormatVersion: FormatVersion, Set: set})
	if err != nil {
		return nil, eris.Wrap(err, "models: encode artifact set")
	}
	return encoder.EncodeAll(raw, nil), nil
}

// Decode reverses Encode. Uncompressed JSON is accepted as well.
func Decode(data []byte) (*ArtifactSet, error) {
	raw := data
	if bytes.HasPrefix(data, zstdMagic) {
		var err error
		raw, err = decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, eris.Wrap(err, "models: decompress artifact set")
		}
	}

	var enc encodedSet
	if err := json.Unmarshal(raw, &enc); err != nil {
		return nil, eris.Wrap(err, "models: decode artifact set")
	}
	if enc.FormatVersion != FormatVersion {
		return nil, eris.Errorf("models: unsupported artifact format %d", enc.FormatVersion)
	}
	if enc.Set == nil {
		return nil, eris.New("models: artifact set is empty")
	}
	if (enc.Set.Scaler == nil) != (enc.Set.Ensemble == nil) {
		return nil, eris.New("models: artifact set has a scaler without an ensemble")
	}
	return enc.Set, nil
}
