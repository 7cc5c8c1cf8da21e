package relay

import (
	"encoding/json"
	"io"

	"github.com/pkg/errors"

	"github.com/relayrun/relayrun/pkg/runnerdata"
	"github.com/relayrun/relayrun/pkg/storage"
)

// nodeRecord is the wire form of one graph node. Parent payloads are not
// carried: a committed node has already consumed its leading payload, and
// an uncommitted one should be re-fed before commit.
type nodeRecord struct {
	Ref        string                 `json:"ref"`
	RowID      int64                  `json:"row_id,omitempty"`
	Label      string                 `json:"label,omitempty"`
	RunnerName string                 `json:"runner_name,omitempty"`
	Updated    bool                   `json:"updated"`
	Data       *runnerdata.RunnerData `json:"runnerdata"`
	Parents    []parentRef            `json:"parents"`
}

// parentRef points either at another node in the document or at a raw row
// id outside the graph.
type parentRef struct {
	Node string `json:"node,omitempty"`
	Row  int64  `json:"row,omitempty"`
}

type graphDocument struct {
	Root  string                `json:"root"`
	Nodes map[string]nodeRecord `json:"nodes"`
}

// Encode writes the whole graph reachable from r as a JSON document. Shared
// nodes are written once and referenced by ref, so Decode folds them back
// into single instances.
func (r *Relay) Encode(w io.Writer) error {
	nodes, err := r.spider()
	if err != nil {
		return err
	}
	nodes[r.ref()] = r

	doc := graphDocument{Root: r.ref(), Nodes: make(map[string]nodeRecord, len(nodes))}
	for ref, node := range nodes {
		rec := nodeRecord{
			Ref:        ref,
			RowID:      node.rowID,
			Label:      node.label,
			RunnerName: node.runnerName,
			Updated:    node.updated,
			Data:       node.data,
			Parents:    make([]parentRef, 0, len(node.parents)),
		}
		for _, parent := range node.parents {
			switch {
			case parent.Node != nil:
				rec.Parents = append(rec.Parents, parentRef{Node: parent.Node.ref()})
			case parent.Row != 0:
				rec.Parents = append(rec.Parents, parentRef{Row: parent.Row})
			}
		}
		doc.Nodes[ref] = rec
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// Decode rebuilds a graph written by Encode and returns its root. Nodes
// that were committed are rebound to store; pass nil only for graphs that
// were never committed.
func Decode(rd io.Reader, store storage.Store) (*Relay, error) {
	var doc graphDocument
	if err := json.NewDecoder(rd).Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "decode relay graph")
	}

	built := make(map[string]*Relay, len(doc.Nodes))
	for ref, rec := range doc.Nodes {
		data := rec.Data
		if data == nil {
			data = &runnerdata.RunnerData{}
		}
		node := &Relay{
			key:        ref,
			rowID:      rec.RowID,
			label:      rec.Label,
			runnerName: rec.RunnerName,
			data:       data,
			updated:    rec.Updated,
		}
		if rec.RowID != 0 {
			if store == nil {
				return nil, errors.Errorf("node %s was committed, a store is required", ref)
			}
			node.store = store
		}
		built[ref] = node
	}
	for ref, rec := range doc.Nodes {
		node := built[ref]
		for _, pref := range rec.Parents {
			switch {
			case pref.Node != "":
				parent, ok := built[pref.Node]
				if !ok {
					return nil, errors.Errorf("node %s: unknown parent %q", ref, pref.Node)
				}
				node.parents = append(node.parents, NodeParent(parent))
			case pref.Row != 0:
				node.parents = append(node.parents, RowParent(pref.Row))
			}
		}
	}

	root, ok := built[doc.Root]
	if !ok {
		return nil, errors.Errorf("root %q missing from document", doc.Root)
	}
	if _, err := root.spider(); err != nil {
		return nil, err
	}
	return root, nil
}

// FromStore rebuilds a graph from committed rows, following parent ids
// recursively. Rows met through several children come back as one shared
// node.
func FromStore(store storage.Store, id int64) (*Relay, error) {
	seen := map[int64]*Relay{}
	active := map[int64]bool{}
	return fromStore(store, id, seen, active)
}

func fromStore(store storage.Store, id int64, seen map[int64]*Relay, active map[int64]bool) (*Relay, error) {
	if node, ok := seen[id]; ok {
		return node, nil
	}
	if active[id] {
		return nil, ErrCyclic
	}
	active[id] = true
	defer delete(active, id)

	row, err := store.GetRow(id)
	if err != nil {
		return nil, errors.Wrapf(err, "row %d", id)
	}
	data := row.Data.Runner
	if data == nil {
		data = &runnerdata.RunnerData{}
	}
	node := &Relay{
		key:        randomKey(nil),
		rowID:      id,
		label:      row.Label,
		runnerName: row.Runner,
		data:       data,
		store:      store,
		updated:    true,
	}
	for _, parentID := range data.Parents {
		parent, err := fromStore(store, parentID, seen, active)
		if err != nil {
			return nil, err
		}
		node.parents = append(node.parents, NodeParent(parent))
	}
	seen[id] = node
	return node, nil
}
