package crdt

import (
	"fmt"
	"sort"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

type document struct {
	id           string
	ops          map[string]Operation
	superseded   map[string]bool
	clock        VectorClock
	counter      uint64
	lastModified Lamport
	modifiedAt   time.Time
	version      uint64
	conflicts    []Conflict
	peers        map[string]*SyncState
}

func newDocument(id string) *document {
	return &document{
		id:         id,
		ops:        make(map[string]Operation),
		superseded: make(map[string]bool),
		clock:      VectorClock{},
		peers:      make(map[string]*SyncState),
	}
}

// DocumentInfo is a summary of one document.
type DocumentInfo struct {
	ID           string      `json:"id"`
	Operations   int         `json:"operations"`
	Superseded   int         `json:"superseded"`
	Clock        VectorClock `json:"clock"`
	LastModified Lamport     `json:"last_modified"`
	ModifiedAt   time.Time   `json:"modified_at"`
	Version      uint64      `json:"version"`
	Conflicts    int         `json:"conflicts"`
}

func (d *document) info() DocumentInfo {
	return DocumentInfo{
		ID:           d.id,
		Operations:   len(d.ops),
		Superseded:   len(d.superseded),
		Clock:        d.clock.Clone(),
		LastModified: d.lastModified,
		ModifiedAt:   d.modifiedAt,
		Version:      d.version,
		Conflicts:    len(d.conflicts),
	}
}

// store admits op into the log and folds its stamps into the document.
func (d *document) store(op Operation, now time.Time) {
	d.ops[op.ID] = op
	d.clock.Merge(op.Clock)
	if op.Timestamp.Counter > d.counter {
		d.counter = op.Timestamp.Counter
	}
	if d.lastModified.Before(op.Timestamp) {
		d.lastModified = op.Timestamp
	}
	d.modifiedAt = now
	d.version++
}

// sorted returns the log in total order.
func (d *document) sorted(live bool) []Operation {
	out := make([]Operation, 0, len(d.ops))
	for id, op := range d.ops {
		if live && d.superseded[id] {
			continue
		}
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].before(out[j]) })
	return out
}

// materialize folds the live log, in total order, into a tree.
func (d *document) materialize() (*structpb.Struct, error) {
	root := map[string]any{}
	for _, op := range d.sorted(true) {
		switch op.Type {
		case OpInsert, OpUpdate:
			setPath(root, op.Path, op.Value)
		case OpDelete:
			deletePath(root, op.Path)
		case OpMove:
			if v, ok := getPath(root, op.Path); ok {
				deletePath(root, op.Path)
				setPath(root, op.To, v)
			}
		}
	}
	s, err := structpb.NewStruct(root)
	if err != nil {
		return nil, fmt.Errorf("crdt: materialize %s: %w", d.id, err)
	}
	return s, nil
}

func setPath(root map[string]any, path []string, v any) {
	m := root
	for _, seg := range path[:len(path)-1] {
		next, ok := m[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[seg] = next
		}
		m = next
	}
	m[path[len(path)-1]] = normalize(v)
}

func getPath(root map[string]any, path []string) (any, bool) {
	var cur any = root
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[seg]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func deletePath(root map[string]any, path []string) {
	m := root
	for _, seg := range path[:len(path)-1] {
		next, ok := m[seg].(map[string]any)
		if !ok {
			return
		}
		m = next
	}
	delete(m, path[len(path)-1])
}

// normalize rewrites decoded containers into the shapes structpb accepts.
func normalize(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = normalize(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[fmt.Sprint(k)] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	default:
		return v
	}
}
