// Package rest implements the persisted-state backend over an HTTP verb protocol:
// PUT and GET on {base}/rest{collection}{key}, and POST of a delete query on
// {base}/rest{collection}.
package rest

import (
	"strconv"
	"time"

	"github.com/louisbranch/formstate/internal/services/statestore/codec"
	"github.com/louisbranch/formstate/internal/services/statestore/storage"
)

const pathPrefix = "/rest"

// wireRecord is the JSON body of PUT requests and GET responses.
type wireRecord struct {
	Key            string `json:"key"`
	Value          string `json:"value"`
	Encoding       string `json:"encoding"`
	Origin         string `json:"origin,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	IsInitialEntry string `json:"is_initial_entry"`
	StoredAt       int64  `json:"stored_at,omitempty"`
}

type deleteQuery struct {
	Delete *wireSelector `json:"delete"`
}

type wireSelector struct {
	Scope     string `json:"scope"`
	SessionID string `json:"session_id,omitempty"`
}

type deleteResult struct {
	Count int `json:"count"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func toWire(r storage.Record) wireRecord {
	value := r.Value.Normalize()
	w := wireRecord{
		Key:            r.Key,
		Value:          value.Data,
		Encoding:       string(value.Format),
		Origin:         string(r.Origin),
		SessionID:      r.SessionID,
		IsInitialEntry: strconv.FormatBool(r.Initial),
	}
	if !r.StoredAt.IsZero() {
		w.StoredAt = r.StoredAt.UTC().UnixMilli()
	}
	return w
}

func fromWire(w wireRecord) storage.Record {
	r := storage.Record{
		Key:       w.Key,
		Value:     codec.Value{Format: codec.Format(w.Encoding), Data: w.Value}.Normalize(),
		Origin:    codec.Format(w.Origin),
		SessionID: w.SessionID,
		Initial:   w.IsInitialEntry == "true",
	}
	if r.Origin == "" {
		r.Origin = r.Value.Format
	}
	if w.StoredAt != 0 {
		r.StoredAt = time.UnixMilli(w.StoredAt).UTC()
	}
	return r
}
