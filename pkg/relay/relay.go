// Package relay builds workflow DAGs over store rows. A Relay wraps one
// row-to-be with its parent dependencies; commit writes the graph to the
// store in dependency order, start queues it for a runner, and the graph
// stays acyclic by construction checks on every traversal.
package relay

import (
	"context"
	"encoding/json"
	"math/rand"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/relayrun/relayrun/pkg/backend"
	"github.com/relayrun/relayrun/pkg/models"
	"github.com/relayrun/relayrun/pkg/runner"
	"github.com/relayrun/relayrun/pkg/runnerdata"
	"github.com/relayrun/relayrun/pkg/storage"
)

// ErrCyclic is returned when a parent chain reaches back into itself.
var ErrCyclic = errors.New("cyclic connection detected")

// Parent is one dependency slot of a relay: another graph node, the id of a
// row already in the store, or a literal payload. A payload parent may only
// appear first and is consumed at commit as the node's own initial content.
type Parent struct {
	Node    *Relay
	Row     int64
	Payload json.RawMessage
}

func NodeParent(n *Relay) Parent             { return Parent{Node: n} }
func RowParent(id int64) Parent              { return Parent{Row: id} }
func PayloadParent(p json.RawMessage) Parent { return Parent{Payload: p} }

// Relay is one node of a workflow graph. Before commit it is identified by
// a transient 5-char key; commit allocates the durable row id. Any setter
// marks the node dirty, forcing a re-commit before it can be started.
type Relay struct {
	key        string
	rowID      int64 // 0 until committed
	label      string
	parents    []Parent
	data       *runnerdata.RunnerData
	runnerName string
	store      storage.Store // nil until committed
	updated    bool          // clean: last commit covers current state
}

// New creates a node in memory. label may be empty; a non-empty label must
// be unique among all nodes reachable through parents and must not read as
// a number.
func New(label string, parents []Parent, data *runnerdata.RunnerData, runnerName string) (*Relay, error) {
	if data == nil {
		data = &runnerdata.RunnerData{}
	}
	if err := checkLabel(label); err != nil {
		return nil, err
	}
	if err := checkParents(parents); err != nil {
		return nil, err
	}
	if runnerName != "" && !backend.KnownType(runnerName) {
		return nil, errors.Errorf("runner %q: type %q not in %v", runnerName, backend.TypeOf(runnerName), backend.Types)
	}

	usedKeys := map[string]bool{}
	usedLabels := map[string]bool{}
	for _, parent := range parents {
		if parent.Node == nil {
			continue
		}
		nodes, err := parent.Node.spider()
		if err != nil {
			return nil, err
		}
		nodes[parent.Node.ref()] = parent.Node
		for ref, node := range nodes {
			usedKeys[ref] = true
			if node.label != "" {
				usedLabels[node.label] = true
			}
		}
	}
	if label != "" && usedLabels[label] {
		return nil, errors.Errorf("label %q already taken", label)
	}

	return &Relay{
		key:        randomKey(usedKeys),
		label:      label,
		parents:    parents,
		data:       cloneData(data),
		runnerName: runnerName,
	}, nil
}

func (r *Relay) String() string {
	if r.label != "" {
		return "Relay(id=" + r.ref() + ", label='" + r.label + "')"
	}
	return "Relay(id=" + r.ref() + ")"
}

// ref is the node's identity in graph bookkeeping: the durable row id once
// committed, the transient key before.
func (r *Relay) ref() string {
	if r.rowID != 0 {
		return strconv.FormatInt(r.rowID, 10)
	}
	return r.key
}

func (r *Relay) Ref() string                  { return r.ref() }
func (r *Relay) RowID() int64                 { return r.rowID }
func (r *Relay) Label() string                { return r.label }
func (r *Relay) RunnerName() string           { return r.runnerName }
func (r *Relay) Data() *runnerdata.RunnerData { return cloneData(r.data) }
func (r *Relay) Parents() []Parent            { return append([]Parent{}, r.parents...) }

// SetParents replaces the dependency list. Validation happens before
// mutation; a rejected update leaves the node untouched.
func (r *Relay) SetParents(parents []Parent) error {
	if err := checkParents(parents); err != nil {
		return err
	}
	r.parents = parents
	r.updated = false
	return nil
}

// SetData replaces the task bundle with a deep copy.
func (r *Relay) SetData(data *runnerdata.RunnerData) error {
	if data == nil {
		return errors.New("runner data cannot be nil")
	}
	r.data = cloneData(data)
	r.updated = false
	return nil
}

func (r *Relay) SetRunnerName(name string) error {
	if name != "" && !backend.KnownType(name) {
		return errors.Errorf("runner %q: type %q not in %v", name, backend.TypeOf(name), backend.Types)
	}
	r.runnerName = name
	r.updated = false
	return nil
}

func (r *Relay) SetLabel(label string) error {
	if err := checkLabel(label); err != nil {
		return err
	}
	r.label = label
	r.updated = false
	return nil
}

// Commit writes the graph to the store, parents first. The first commit
// binds the node to the store and allocates its durable id; later commits
// update the row in place. A node in flight (submit, running or cancel)
// cannot be committed.
func (r *Relay) Commit(store storage.Store) (int64, error) {
	if store == nil {
		if r.store == nil {
			return 0, errors.Errorf("%s needs a store for commit, no previous commits", r)
		}
		store = r.store
	} else if r.store != nil && r.store != store {
		return 0, errors.Errorf("%s already committed with a different store", r)
	}
	// structure may have changed since the last traversal
	if _, err := r.spider(); err != nil {
		return 0, err
	}
	return r.commit(store)
}

func (r *Relay) commit(store storage.Store) (int64, error) {
	// a node belongs to exactly one store once committed; parents reached
	// through the recursion get the same guarantee as the root
	if r.store != nil && r.store != store {
		return 0, errors.Errorf("%s already committed with a different store", r)
	}
	for _, parent := range r.parents {
		if parent.Node == nil {
			continue
		}
		if _, err := parent.Node.commit(store); err != nil {
			return 0, err
		}
	}
	if r.updated {
		return r.rowID, nil
	}

	if r.rowID != 0 {
		row, err := store.GetRow(r.rowID)
		if err != nil {
			return 0, err
		}
		switch row.Status {
		case models.SubmitStatus, models.RunningStatus, models.CancelStatus:
			return 0, errors.Errorf("cannot commit %s: it is either submitted, running, or being cancelled", r)
		}
	}

	// a leading payload parent becomes the row's own initial content
	var payload json.RawMessage
	parents := r.parents
	if len(parents) != 0 && parents[0].Payload != nil {
		payload = parents[0].Payload
		parents = parents[1:]
		r.parents = parents
	}
	parentIDs := make([]int64, 0, len(parents))
	for _, parent := range parents {
		if parent.Node != nil {
			parentIDs = append(parentIDs, parent.Node.rowID)
		} else {
			parentIDs = append(parentIDs, parent.Row)
		}
	}
	r.data.Parents = parentIDs
	if err := r.data.Validate(false); err != nil {
		return 0, errors.Wrapf(err, "commit %s", r)
	}

	rowData := models.RowData{Runner: r.data}
	if r.rowID == 0 {
		id, err := store.WriteRow(models.Row{Label: r.label, Payload: payload, Data: rowData})
		if err != nil {
			return 0, errors.Wrapf(err, "commit %s", r)
		}
		r.rowID = id
		r.store = store
	} else {
		upd := models.RowUpdate{Label: &r.label, Data: &rowData}
		if payload != nil {
			upd.Payload = payload
		}
		if err := store.UpdateRow(r.rowID, upd); err != nil {
			return 0, errors.Wrapf(err, "commit %s", r)
		}
	}
	r.updated = true
	return r.rowID, nil
}

// NeedsCommit reports whether this node or any reachable parent is dirty.
func (r *Relay) NeedsCommit() (bool, error) {
	if !r.updated {
		return true, nil
	}
	nodes, err := r.spider()
	if err != nil {
		return false, err
	}
	for _, node := range nodes {
		if !node.updated {
			return true, nil
		}
	}
	return false, nil
}

// Start queues the graph for its runners, parents first. Rows already in
// submit or running are left alone; a cancelled row is not resurrected; a
// done row is resubmitted only under force or when a parent was resubmitted
// in this call. Returns whether this node ended up queued or active.
func (r *Relay) Start(force, forceAll bool) (bool, error) {
	needs, err := r.NeedsCommit()
	if err != nil {
		return false, err
	}
	if needs {
		return false, errors.Errorf("commit %s before start", r)
	}

	parentSubmitted := false
	for _, parent := range r.parents {
		if parent.Node == nil {
			continue
		}
		submitted, err := parent.Node.Start(forceAll, forceAll)
		if err != nil {
			return false, err
		}
		parentSubmitted = parentSubmitted || submitted
	}

	row, err := r.store.GetRow(r.rowID)
	if err != nil {
		return false, err
	}
	switch {
	case row.Status == models.SubmitStatus || row.Status == models.RunningStatus:
		return true, nil
	case row.Status == models.CancelStatus:
		return false, nil
	case row.Status == models.UnsetStatus || row.Status == models.FailedStatus,
		row.Status == models.DoneStatus && (force || parentSubmitted):
		if err := runner.SubmitRow(r.store, r.rowID, r.runnerName); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// Cancel records a cancel directive if the row is queued or running. With
// cancelAll every reachable node gets the same treatment.
func (r *Relay) Cancel(cancelAll bool) error {
	if r.store == nil {
		return errors.Errorf("%s not committed", r)
	}
	if err := r.cancelOwn(); err != nil {
		return err
	}
	if !cancelAll {
		return nil
	}
	nodes, err := r.spider()
	if err != nil {
		return err
	}
	for _, node := range nodes {
		if node.store == nil {
			continue
		}
		if err := node.cancelOwn(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Relay) cancelOwn() error {
	row, err := r.store.GetRow(r.rowID)
	if err != nil {
		return err
	}
	if row.Status == models.SubmitStatus || row.Status == models.RunningStatus {
		return runner.CancelRow(r.store, r.rowID)
	}
	return nil
}

// Status returns the row's persisted status.
func (r *Relay) Status() (models.Status, error) {
	if r.store == nil {
		return "", errors.Errorf("%s not committed", r)
	}
	row, err := r.store.GetRow(r.rowID)
	if err != nil {
		return "", err
	}
	return row.Status, nil
}

// WaitRow polls until the row finishes and returns it. A failed row is an
// error; ctx bounds the wait.
func (r *Relay) WaitRow(ctx context.Context, cycleTime time.Duration) (models.Row, error) {
	if r.store == nil {
		return models.Row{}, errors.Errorf("%s not committed", r)
	}
	if cycleTime <= 0 {
		cycleTime = 10 * time.Second
	}
	for {
		row, err := r.store.GetRow(r.rowID)
		if err != nil {
			return models.Row{}, err
		}
		switch row.Status {
		case models.DoneStatus:
			return row, nil
		case models.FailedStatus:
			return models.Row{}, errors.Errorf("run %d failed", r.rowID)
		}
		select {
		case <-ctx.Done():
			return models.Row{}, ctx.Err()
		case <-time.After(cycleTime):
		}
	}
}

// Node looks a reachable node up by ref or label; nil when absent.
func (r *Relay) Node(key string) *Relay {
	nodes, err := r.spider()
	if err != nil {
		return nil
	}
	if node, ok := nodes[key]; ok {
		return node
	}
	for _, node := range nodes {
		if node.label == key {
			return node
		}
	}
	return nil
}

// Nodes lists the refs and labels of all reachable parent nodes.
func (r *Relay) Nodes() ([]string, error) {
	nodes, err := r.spider()
	if err != nil {
		return nil, err
	}
	list := make([]string, 0, len(nodes))
	for ref := range nodes {
		list = append(list, ref)
	}
	for _, node := range nodes {
		if node.label != "" {
			list = append(list, node.label)
		}
	}
	return list, nil
}

// ReplaceData swaps the bundle on this node and every reachable node whose
// bundle carries the same name.
func (r *Relay) ReplaceData(data *runnerdata.RunnerData) error {
	nodes, err := r.spider()
	if err != nil {
		return err
	}
	if r.data.Name == data.Name {
		if err := r.SetData(data); err != nil {
			return err
		}
	}
	for _, node := range nodes {
		if node.data.Name == data.Name {
			if err := node.SetData(data); err != nil {
				return err
			}
		}
	}
	return nil
}

// spider collects every node reachable via parent edges, keyed by ref. The
// active-path set turns any revisit along the current descent into
// ErrCyclic. Never cached: nodes are mutable.
func (r *Relay) spider() (map[string]*Relay, error) {
	nodes := map[string]*Relay{}
	active := map[string]bool{}
	if err := r.crawl(nodes, active); err != nil {
		return nil, err
	}
	return nodes, nil
}

func (r *Relay) crawl(nodes map[string]*Relay, active map[string]bool) error {
	active[r.ref()] = true
	defer delete(active, r.ref())
	for _, parent := range r.parents {
		if parent.Node == nil {
			continue
		}
		ref := parent.Node.ref()
		// the active-path check must come first: a node on the current
		// descent may already sit in nodes when the cycle lies below the
		// root
		if active[ref] {
			return ErrCyclic
		}
		if _, seen := nodes[ref]; seen {
			continue
		}
		nodes[ref] = parent.Node
		if err := parent.Node.crawl(nodes, active); err != nil {
			return err
		}
	}
	return nil
}

func checkParents(parents []Parent) error {
	for i, parent := range parents {
		set := 0
		if parent.Node != nil {
			set++
		}
		if parent.Row != 0 {
			set++
		}
		if parent.Payload != nil {
			set++
		}
		if set != 1 {
			return errors.Errorf("parent %d: exactly one of node, row or payload must be set", i)
		}
		if parent.Payload != nil && i != 0 {
			return errors.Errorf("parent %d: a payload parent may only appear first", i)
		}
	}
	return nil
}

// checkLabel rejects labels that read as numbers; they would collide with
// row-id refs.
func checkLabel(label string) error {
	if label == "" {
		return nil
	}
	if _, err := strconv.ParseInt(label, 10, 64); err == nil {
		return errors.Errorf("label %q reads as an integer, not accepted", label)
	}
	if _, err := strconv.ParseFloat(label, 64); err == nil {
		return errors.Errorf("label %q reads as a float, not accepted", label)
	}
	return nil
}

const keyLetters = "abcdefghijklmnopqrstuvwxyz"

// randomKey draws 5-char keys until one misses the used set.
func randomKey(used map[string]bool) string {
	buf := make([]byte, 5)
	for {
		for i := range buf {
			buf[i] = keyLetters[rand.Intn(len(keyLetters))]
		}
		key := string(buf)
		if !used[key] {
			return key
		}
	}
}

func cloneData(d *runnerdata.RunnerData) *runnerdata.RunnerData {
	raw, err := json.Marshal(d)
	if err != nil {
		panic(err)
	}
	var out runnerdata.RunnerData
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(err)
	}
	return &out
}
