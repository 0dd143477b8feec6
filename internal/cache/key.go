package cache

import (
	"encoding/binary"
	"encoding/hex"
	"math"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// keySeed is fixed so keys are stable across processes and restarts.
const keySeed uint64 = 0x9747b28c

// semanticPrefixDims is how many leading vector dimensions GenerateSemantic
// folds into the key.
const semanticPrefixDims = 8

// KeyGenerator derives cache keys from the cache-relevant request fields.
//
// Canonical form: "model:<m>|temp:<t>|<concatenated content>", with the
// temp segment omitted when the request has no temperature. Only model,
// temperature and message content influence the key.
type KeyGenerator struct{}

// NewKeyGenerator returns a KeyGenerator.
func NewKeyGenerator() *KeyGenerator { return &KeyGenerator{} }

// Generate returns the 16-hex-digit key for req.
func (g *KeyGenerator) Generate(req *providers.Request) string {
	d := xxhash.NewWithSeed(keySeed)

	_, _ = d.WriteString("model:")
	_, _ = d.WriteString(req.Model)
	if req.Temperature != nil {
		_, _ = d.WriteString("|temp:")
		_, _ = d.WriteString(strconv.FormatFloat(*req.Temperature, 'f', -1, 64))
	}
	_, _ = d.WriteString("|")
	for _, m := range req.Messages {
		_, _ = d.WriteString(m.Content)
	}

	return formatKey(d.Sum64())
}

// GenerateSemantic prefixes the exact key with a coarse quantization of the
// first dimensions of vec, so nearby vectors share a bucket. It is stored
// alongside semantic points and never used for primary lookups.
func (g *KeyGenerator) GenerateSemantic(req *providers.Request, vec []float32) string {
	n := min(semanticPrefixDims, len(vec))

	bucket := make([]byte, n)
	for i := 0; i < n; i++ {
		q := math.Round(float64(vec[i]) * 127)
		q = math.Max(-127, math.Min(127, q))
		bucket[i] = byte(int8(q))
	}

	return "sem:" + hex.EncodeToString(bucket) + ":" + g.Generate(req)
}

func formatKey(sum uint64) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], sum)
	return hex.EncodeToString(b[:])
}
