package cache

import (
	"encoding/json"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// encodeResponse serializes resp for a shared tier. Hit markers belong to a
// single lookup and are not stored.
func encodeResponse(tier string, resp *providers.Response) ([]byte, error) {
	stored := resp.Clone()
	stored.CacheHit = false
	stored.Similarity = nil

	data, err := json.Marshal(stored)
	if err != nil {
		return nil, &SerializationError{Tier: tier, Err: err}
	}
	return data, nil
}

func decodeResponse(tier string, data []byte) (*providers.Response, error) {
	var resp providers.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &SerializationError{Tier: tier, Err: err}
	}
	return &resp, nil
}
