package history

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrCorrupt marks a stored value that could not be parsed as a history.
var ErrCorrupt = errors.New("corrupt history")

// Encode serializes h as a JSON array, newest first.
func Encode(h History) ([]byte, error) {
	if h == nil {
		h = History{}
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to encode history: %w", err)
	}
	return b, nil
}

// Decode parses a stored JSON array. Entries are returned as stored;
// callers run Migrate to normalize legacy records.
func Decode(b []byte) (History, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty value", ErrCorrupt)
	}
	var h History
	if err := json.Unmarshal(b, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if h == nil {
		// "null" is not a history
		return nil, fmt.Errorf("%w: null value", ErrCorrupt)
	}
	return h, nil
}
