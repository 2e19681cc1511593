package api

import statestore "github.com/louisbranch/formstate/internal/services/statestore"

type putRequest struct {
	Value   string `json:"value"`
	Format  string `json:"format,omitempty"`
	Initial bool   `json:"initial,omitempty"`
}

type entryResponse struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Format string `json:"format"`
}

type sessionEndedResponse struct {
	SessionID string `json:"session_id"`
	Expired   int    `json:"expired"`
}

type statsResponse struct {
	Entries    int    `json:"entries"`
	Size       int64  `json:"size"`
	MaxSize    int64  `json:"max_size"`
	Sessions   int    `json:"sessions"`
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
	Promotions uint64 `json:"promotions"`
	Persisted  uint64 `json:"persisted"`
	Expired    uint64 `json:"expired"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func toStatsResponse(s statestore.Stats) statsResponse {
	return statsResponse{
		Entries:    s.Entries,
		Size:       s.Size,
		MaxSize:    s.MaxSize,
		Sessions:   s.Sessions,
		Hits:       s.Hits,
		Misses:     s.Misses,
		Promotions: s.Promotions,
		Persisted:  s.Persisted,
		Expired:    s.Expired,
	}
}
