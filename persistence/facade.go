package persistence

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/tolelom/multiverse/codec"
	"github.com/tolelom/multiverse/core"
)

// Key namespaces, as tabulated in spec.md §6.
const (
	keyLatest  = "bc.block.latest"
	keyParent  = "bc.block.parent"
	keyQuorum  = "bc.dht.quorum"
	keySynclock = "synclock"
)

func blockHeightKey(height int64) string   { return fmt.Sprintf("bc.block.%d", height) }
func pendingHeightKey(height int64) string { return fmt.Sprintf("pending.bc.block.%d", height) }
func childHeaderKey(chain string, height int64) string {
	return fmt.Sprintf("%s.block.%d", chain, height)
}

// Facade is the namespaced KV facade every other component uses instead of
// touching the underlying DB directly (spec.md §9's design note).
type Facade struct {
	db DB
}

// NewFacade wraps db as a Facade.
func NewFacade(db DB) *Facade {
	return &Facade{db: db}
}

// Close releases the underlying DB.
func (f *Facade) Close() error { return f.db.Close() }

// get reads key. softFail turns a not-found or a DB error into
// (nil, core.ErrNotFound) instead of propagating the failure — spec.md
// §7's "read returns None when softFail is set".
func (f *Facade) get(key string, softFail bool) ([]byte, error) {
	v, err := f.db.Get([]byte(key))
	if err == nil {
		return v, nil
	}
	if errors.Is(err, core.ErrNotFound) {
		return nil, core.ErrNotFound
	}
	if softFail {
		return nil, core.ErrNotFound
	}
	return nil, &core.StoreError{Op: "get " + key, SoftFail: softFail, Err: err}
}

func (f *Facade) put(key string, value []byte) error {
	if err := f.db.Set([]byte(key), value); err != nil {
		return &core.StoreError{Op: "put " + key, Err: err}
	}
	return nil
}

// Delete removes key.
func (f *Facade) Delete(key string) error {
	if err := f.db.Delete([]byte(key)); err != nil {
		return &core.StoreError{Op: "delete " + key, Err: err}
	}
	return nil
}

// GetBulk fetches every key in keys. Missing keys are silently omitted
// from the result (spec.md §4.2: "Keys missing yield a shorter list; no
// error is returned"); only a non-soft-fail DB error on a present key
// propagates.
func (f *Facade) GetBulk(keys []string, softFail bool) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, err := f.get(k, softFail)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				continue
			}
			if softFail {
				continue
			}
			return nil, err
		}
		result[k] = v
	}
	return result, nil
}

// ---- typed block helpers ----

// GetLatestBlock returns the current tip, or core.ErrNotFound if none.
func (f *Facade) GetLatestBlock() (*core.Block, error) {
	return f.getBlock(keyLatest, false)
}

// PutLatestBlock persists b as the current tip.
func (f *Facade) PutLatestBlock(b *core.Block) error {
	return f.putBlock(keyLatest, b)
}

// GetParentBlock is a soft-fail read of the tip's recorded parent, used
// by the Multiverse's hotswap rule. A missing parent is (nil, nil), not
// an error.
func (f *Facade) GetParentBlock() (*core.Block, error) {
	b, err := f.getBlock(keyParent, true)
	if errors.Is(err, core.ErrNotFound) {
		return nil, nil
	}
	return b, err
}

// PutParentBlock records prev as the tip's parent.
func (f *Facade) PutParentBlock(prev *core.Block) error {
	return f.putBlock(keyParent, prev)
}

// GetBlockAtHeight returns the historical block at height.
func (f *Facade) GetBlockAtHeight(height int64) (*core.Block, error) {
	return f.getBlock(blockHeightKey(height), false)
}

// PutBlockAtHeight persists b under its height index.
func (f *Facade) PutBlockAtHeight(height int64, b *core.Block) error {
	return f.putBlock(blockHeightKey(height), b)
}

// GetPendingBlockAtHeight returns the pending candidate recorded at height.
func (f *Facade) GetPendingBlockAtHeight(height int64) (*core.Block, error) {
	return f.getBlock(pendingHeightKey(height), false)
}

// PutPendingBlockAtHeight records b as the pending candidate at height.
func (f *Facade) PutPendingBlockAtHeight(height int64, b *core.Block) error {
	return f.putBlock(pendingHeightKey(height), b)
}

// DeletePendingBlockAtHeight clears the pending candidate at height.
func (f *Facade) DeletePendingBlockAtHeight(height int64) error {
	return f.Delete(pendingHeightKey(height))
}

// GetBlockRange bulk-fetches blocks for heights in [max(2, lo), hi],
// skipping any height with no persisted block, in ascending height order.
// This is the exact key-building rule spec.md §4.2 assigns to
// "0006R01"/"0009R01" handling.
func (f *Facade) GetBlockRange(lo, hi int64) ([]*core.Block, error) {
	start := lo
	if start < 2 {
		start = 2
	}
	if hi < start {
		return nil, nil
	}
	keys := make([]string, 0, hi-start+1)
	for h := start; h <= hi; h++ {
		keys = append(keys, blockHeightKey(h))
	}
	raw, err := f.GetBulk(keys, true)
	if err != nil {
		return nil, err
	}
	blocks := make([]*core.Block, 0, len(raw))
	for h := start; h <= hi; h++ {
		data, ok := raw[blockHeightKey(h)]
		if !ok {
			continue
		}
		b, _, err := codec.DecodeBlock(data)
		if err != nil {
			continue
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

func (f *Facade) getBlock(key string, softFail bool) (*core.Block, error) {
	data, err := f.get(key, softFail)
	if err != nil {
		return nil, err
	}
	b, _, err := codec.DecodeBlock(data)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (f *Facade) putBlock(key string, b *core.Block) error {
	return f.put(key, codec.EncodeBlock(b))
}

// ---- quorum ----

// GetQuorum returns the persisted quorum size, or (0, core.ErrNotFound)
// if none has been recorded yet.
func (f *Facade) GetQuorum() (int, error) {
	data, err := f.get(keyQuorum, true)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, &core.StoreError{Op: "parse quorum", Err: err}
	}
	return n, nil
}

// PutQuorum persists n as the current quorum size.
func (f *Facade) PutQuorum(n int) error {
	return f.put(keyQuorum, []byte(strconv.Itoa(n)))
}

// ---- synclock ----

// GetSynclock returns the persisted synclock record. A fresh node has no
// record; callers should treat that the same as an unlocked (height 1)
// sentinel.
func (f *Facade) GetSynclock() (*core.Block, error) {
	return f.getBlock(keySynclock, true)
}

// PutSynclock persists b as the current synclock sentinel.
func (f *Facade) PutSynclock(b *core.Block) error {
	return f.putBlock(keySynclock, b)
}

// ---- rovered child headers (read-only from the core) ----

// HasChildHeader implements validator.RoverValidator: it reports whether
// the header at (chain, height) with the given hash is persisted under
// "{chain}.block.{height}". Rovers are the only writers of this key; the
// core only ever reads it.
func (f *Facade) HasChildHeader(chain string, height int64, hash string) bool {
	data, err := f.get(childHeaderKey(chain, height), true)
	if err != nil || data == nil {
		return false
	}
	h, err := codec.DecodeHeader(data)
	if err != nil {
		return false
	}
	return h.Hash == hash
}

// PutChildHeader is used by tests (and would be used by a real rover) to
// seed a child-chain header record.
func (f *Facade) PutChildHeader(chain string, height int64, h core.ChildHeader) error {
	return f.put(childHeaderKey(chain, height), codec.EncodeHeader(h))
}
