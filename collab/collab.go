package collab

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/vmihailenco/msgpack/v5"
)

var ErrInvalidUpdate = errors.New("invalid collab update")

type (
	// Entry is one key of the replica. The entry with the greater (Clock, Client)
	// wins when two replicas disagree.
	Entry struct {
		Key     string `msgpack:"k"`
		Value   []byte `msgpack:"v,omitempty"`
		Deleted bool   `msgpack:"d,omitempty"`
		Clock   uint64 `msgpack:"c"`
		Client  string `msgpack:"o"`
	}

	// Collab is the in-memory replica of one collaborative object.
	Collab struct {
		objectID string

		mu      sync.RWMutex
		entries map[string]Entry
		clock   uint64
	}
)

func (e Entry) newerThan(other Entry) bool {
	if e.Clock != other.Clock {
		return e.Clock > other.Clock
	}
	return e.Client > other.Client
}

// New returns an empty replica.
func New(objectID string) *Collab {
	return &Collab{
		objectID: objectID,
		entries:  make(map[string]Entry),
	}
}

// NewFromDocState rebuilds a replica from an encoded document state.
func NewFromDocState(objectID string, docState []byte) (*Collab, error) {
	c := New(objectID)
	if len(docState) == 0 {
		return c, nil
	}
	if _, err := c.ApplyUpdate(docState); err != nil {
		return nil, fmt.Errorf("failed to decode doc state of %s: %w", objectID, err)
	}
	return c, nil
}

func (c *Collab) ObjectID() string {
	return c.objectID
}

// ApplyUpdate merges an encoded update and reports whether any entry changed.
func (c *Collab) ApplyUpdate(update []byte) (bool, error) {
	entries, err := decodeEntries(update)
	if err != nil {
		return false, err
	}
	// an update applies whole or not at all
	for _, e := range entries {
		if e.Key == "" {
			return false, fmt.Errorf("%w: empty key", ErrInvalidUpdate)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	changed := false
	for _, e := range entries {
		if e.Clock > c.clock {
			c.clock = e.Clock
		}
		current, ok := c.entries[e.Key]
		if ok && !e.newerThan(current) {
			continue
		}
		c.entries[e.Key] = e
		changed = true
	}
	return changed, nil
}

// Set writes a value locally and returns the update to broadcast.
func (c *Collab) Set(client, key string, value []byte) ([]byte, error) {
	return c.write(Entry{Key: key, Value: value, Client: client})
}

// Delete tombstones a key locally and returns the update to broadcast.
func (c *Collab) Delete(client, key string) ([]byte, error) {
	return c.write(Entry{Key: key, Deleted: true, Client: client})
}

func (c *Collab) write(e Entry) ([]byte, error) {
	if e.Key == "" {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidUpdate)
	}

	c.mu.Lock()
	c.clock++
	e.Clock = c.clock
	c.entries[e.Key] = e
	c.mu.Unlock()

	return encodeEntries([]Entry{e})
}

func (c *Collab) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || e.Deleted {
		return nil, false
	}
	return e.Value, true
}

// Keys returns the live keys in sorted order.
func (c *Collab) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.entries))
	for k, e := range c.entries {
		if !e.Deleted {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// TextContent concatenates every value that is valid UTF-8, in key order.
func (c *Collab) TextContent() []string {
	var out []string
	for _, k := range c.Keys() {
		v, ok := c.Get(k)
		if ok && len(v) > 0 && utf8.Valid(v) {
			out = append(out, string(v))
		}
	}
	return out
}

// StateVector maps each client to the highest clock seen from it.
func (c *Collab) StateVector() map[string]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sv := make(map[string]uint64)
	for _, e := range c.entries {
		if e.Clock > sv[e.Client] {
			sv[e.Client] = e.Clock
		}
	}
	return sv
}

// EncodeAsUpdate encodes the full state (tombstones included) as one update.
func (c *Collab) EncodeAsUpdate() []byte {
	c.mu.RLock()
	entries := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	data, err := encodeEntries(entries)
	if err != nil {
		// entries are plain values, msgpack cannot fail on them
		panic(err)
	}
	return data
}

func (c *Collab) EncodeCollab() *EncodedCollab {
	sv, err := msgpack.Marshal(c.StateVector())
	if err != nil {
		panic(err)
	}
	return &EncodedCollab{
		StateVector: sv,
		DocState:    c.EncodeAsUpdate(),
		Version:     EncoderVersionV1,
	}
}

func encodeEntries(entries []Entry) ([]byte, error) {
	return msgpack.Marshal(entries)
}

func decodeEntries(data []byte) ([]Entry, error) {
	var entries []Entry
	if err := msgpack.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	return entries, nil
}
