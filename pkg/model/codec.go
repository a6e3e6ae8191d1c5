package model

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// checksumHexLen is the number of hex characters kept from the SHA-256 of
// the canonical bytes. 8 bytes of digest is plenty for transport integrity.
const checksumHexLen = 16

// Marshal renders the canonical byte form of an event: JSON with sorted
// keys. Encoding the same event twice always yields identical bytes, which
// is what the store persists and what checksums are computed over.
func Marshal(e *Event) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}

	m := make(map[string]any, 11+len(e.Extra))
	m["id"] = e.ID
	m["timestamp"] = e.Timestamp
	m["sessionId"] = e.SessionID
	m["type"] = e.Type
	if e.AgentID != "" {
		m["agentId"] = e.AgentID
	}
	if e.ParentID != "" {
		m["parentId"] = e.ParentID
	}
	if e.CorrelationID != "" {
		m["correlationId"] = e.CorrelationID
	}
	if e.Phase != "" {
		m["phase"] = e.Phase
	}
	if e.Data != nil {
		m["data"] = e.Data
	}
	if e.Metadata != nil {
		m["metadata"] = e.Metadata
	}
	if e.Performance != nil {
		m["performance"] = e.Performance
	}
	for k, v := range e.Extra {
		if _, taken := m[k]; taken {
			continue
		}
		m[k] = v
	}

	return json.Marshal(m)
}

// Unmarshal decodes an event from its JSON form. Required fields are id,
// timestamp, sessionId and type; their absence is an ErrInvalidEvent.
// Unknown top-level fields are kept verbatim in Extra so that
// Marshal(Unmarshal(b)) round-trips canonical bytes unchanged.
func Unmarshal(b []byte) (*Event, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidEvent, err)
	}

	e := &Event{}

	if err := decodeString(raw, "id", &e.ID); err != nil {
		return nil, err
	}
	if err := decodeString(raw, "sessionId", &e.SessionID); err != nil {
		return nil, err
	}
	if msg, ok := raw["timestamp"]; ok {
		if err := json.Unmarshal(msg, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("%w: bad timestamp: %s", ErrInvalidEvent, err)
		}
	}
	if msg, ok := raw["type"]; ok {
		if err := json.Unmarshal(msg, &e.Type); err != nil {
			return nil, fmt.Errorf("%w: bad type: %s", ErrInvalidEvent, err)
		}
	}

	_ = decodeString(raw, "agentId", &e.AgentID)
	_ = decodeString(raw, "parentId", &e.ParentID)
	_ = decodeString(raw, "correlationId", &e.CorrelationID)
	if msg, ok := raw["phase"]; ok {
		if err := json.Unmarshal(msg, &e.Phase); err != nil {
			return nil, fmt.Errorf("%w: bad phase: %s", ErrInvalidEvent, err)
		}
	}
	if msg, ok := raw["data"]; ok {
		data, err := decodePayload(msg)
		if err != nil {
			return nil, fmt.Errorf("%w: bad data: %s", ErrInvalidEvent, err)
		}
		e.Data = data
	}
	if msg, ok := raw["metadata"]; ok {
		e.Metadata = &Metadata{}
		if err := json.Unmarshal(msg, e.Metadata); err != nil {
			return nil, fmt.Errorf("%w: bad metadata: %s", ErrInvalidEvent, err)
		}
	}
	if msg, ok := raw["performance"]; ok {
		e.Performance = &PerformanceRecord{}
		if err := json.Unmarshal(msg, e.Performance); err != nil {
			return nil, fmt.Errorf("%w: bad performance: %s", ErrInvalidEvent, err)
		}
	}

	for k, msg := range raw {
		switch k {
		case "id", "timestamp", "sessionId", "agentId", "parentId",
			"correlationId", "type", "phase", "data", "metadata", "performance":
			continue
		}
		v, err := decodeValue(msg)
		if err != nil {
			return nil, fmt.Errorf("%w: bad field %q: %s", ErrInvalidEvent, k, err)
		}
		if e.Extra == nil {
			e.Extra = map[string]any{}
		}
		e.Extra[k] = v
	}

	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func decodeString(raw map[string]json.RawMessage, key string, dst *string) error {
	msg, ok := raw[key]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(msg, dst); err != nil {
		return fmt.Errorf("%w: bad %s: %s", ErrInvalidEvent, key, err)
	}
	return nil
}

// decodePayload decodes a JSON object keeping numbers as json.Number so the
// original literals survive re-encoding untouched.
func decodePayload(msg json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeValue(msg json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// Checksum returns the first 16 hex characters of the SHA-256 over the
// given canonical bytes.
func Checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:checksumHexLen]
}

// Compress gzips canonical bytes. Checksums are always computed over the
// uncompressed form.
func Compress(b []byte) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := gzip.NewWriter(buf)
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(b []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
