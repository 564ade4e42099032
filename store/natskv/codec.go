package natskv

import (
	"encoding/json"
	"maps"
	"slices"
	"time"

	"github.com/c360/nodekit/store"
)

// record is the wire form of one node in the bucket.
type record struct {
	ID        string         `json:"id"`
	Group     string         `json:"group"`
	CoType    string         `json:"cotype"`
	Available bool           `json:"available"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Ruleset   string         `json:"ruleset,omitempty"`
	Content   map[string]any `json:"content,omitempty"`
	Items     []any          `json:"items,omitempty"`
}

func encodeRecord(r *record) ([]byte, error) {
	return json.Marshal(r)
}

func decodeRecord(data []byte) (*record, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// handle is an immutable snapshot of a record.
type handle struct {
	id        store.ID
	group     store.GroupID
	ct        store.CoType
	available bool
	header    store.Header
	content   map[string]any
	items     []any
}

func newHandle(r *record) *handle {
	return &handle{
		id:        store.ID(r.ID),
		group:     store.GroupID(r.Group),
		ct:        store.CoType(r.CoType),
		available: r.Available,
		header: store.Header{
			Meta:      maps.Clone(r.Meta),
			CreatedAt: r.CreatedAt,
			Ruleset:   r.Ruleset,
		},
		content: maps.Clone(r.Content),
		items:   slices.Clone(r.Items),
	}
}

func (h *handle) ID() store.ID            { return h.id }
func (h *handle) CoType() store.CoType    { return h.ct }
func (h *handle) GroupID() store.GroupID  { return h.group }
func (h *handle) Available() bool         { return h.available }
func (h *handle) Header() store.Header    { return h.header }
func (h *handle) Content() map[string]any { return maps.Clone(h.content) }
func (h *handle) Items() []any            { return slices.Clone(h.items) }
