package consensus

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	keyPrefix       = "categorize:v1:"
	envelopeVersion = 1
)

// Fingerprint derives the cache key of a transaction from its normalized
// description, merchant and amount.
func Fingerprint(in domain.ClassificationInput) string {
	amount := ""
	if in.Amount != nil {
		amount = in.Amount.StringFixed(2)
	}
	norm := strings.Join([]string{
		strings.ToLower(strings.TrimSpace(in.DescriptionText())),
		strings.ToLower(strings.TrimSpace(in.MerchantText())),
		amount,
	}, "|")

	sum := sha256.Sum256([]byte(norm))
	return keyPrefix + hex.EncodeToString(sum[:])
}

type envelope struct {
	Version int                     `json:"version"`
	Result  *domain.ConsensusResult `json:"result"`
}

func encodeResult(r *domain.ConsensusResult) ([]byte, error) {
	data, err := json.Marshal(envelope{Version: envelopeVersion, Result: r})
	if err != nil {
		return nil, eris.Wrap(err, "consensus: encode cache entry")
	}
	return data, nil
}

func decodeResult(data []byte) (*domain.ConsensusResult, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, eris.Wrap(err, "consensus: decode cache entry")
	}
	if env.Version != envelopeVersion {
		return nil, eris.Errorf("consensus: cache entry version %d, want %d", env.Version, envelopeVersion)
	}
	if env.Result == nil {
		return nil, eris.New("consensus: cache entry has no result")
	}
	return env.Result, nil
}
