package relay_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayrun/relayrun/pkg/models"
	"github.com/relayrun/relayrun/pkg/relay"
	"github.com/relayrun/relayrun/pkg/runnerdata"
	"github.com/relayrun/relayrun/pkg/storage"
)

func taskData(name string) *runnerdata.RunnerData {
	d := runnerdata.New(name)
	d.Tasks = []runnerdata.Task{runnerdata.Shell("echo " + name)}
	return d
}

func mustNode(t *testing.T, label string, parents ...relay.Parent) *relay.Relay {
	t.Helper()
	n, err := relay.New(label, parents, taskData(label), "local:test")
	require.NoError(t, err)
	return n
}

// diamond builds root -> (left, right) -> shared.
func diamond(t *testing.T) (root, left, right, shared *relay.Relay) {
	t.Helper()
	shared = mustNode(t, "shared")
	left = mustNode(t, "left", relay.NodeParent(shared))
	right = mustNode(t, "right", relay.NodeParent(shared))
	root = mustNode(t, "root", relay.NodeParent(left), relay.NodeParent(right))
	return root, left, right, shared
}

func setStatus(t *testing.T, store storage.Store, id int64, status models.Status) {
	t.Helper()
	require.NoError(t, store.UpdateRow(id, models.RowUpdate{Status: &status}))
}

func TestNewValidation(t *testing.T) {
	t.Run("numeric labels rejected", func(t *testing.T) {
		_, err := relay.New("42", nil, taskData("x"), "")
		assert.Error(t, err)
		_, err = relay.New("4.2", nil, taskData("x"), "")
		assert.Error(t, err)
	})

	t.Run("duplicate label rejected", func(t *testing.T) {
		a := mustNode(t, "relax")
		_, err := relay.New("relax", []relay.Parent{relay.NodeParent(a)}, taskData("x"), "")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "already taken")
	})

	t.Run("unknown runner type rejected", func(t *testing.T) {
		_, err := relay.New("x", nil, taskData("x"), "cloud:prod")
		assert.Error(t, err)
	})

	t.Run("payload parent only first", func(t *testing.T) {
		a := mustNode(t, "")
		_, err := relay.New("", []relay.Parent{
			relay.NodeParent(a),
			relay.PayloadParent(json.RawMessage(`{"x": 1}`)),
		}, taskData("x"), "")
		assert.Error(t, err)

		_, err = relay.New("", []relay.Parent{{}}, taskData("x"), "")
		assert.Error(t, err)
		_, err = relay.New("", []relay.Parent{{Node: a, Row: 3}}, taskData("x"), "")
		assert.Error(t, err)
	})
}

func TestCycleDetection(t *testing.T) {
	b := mustNode(t, "b")
	a := mustNode(t, "a", relay.NodeParent(b))
	require.NoError(t, b.SetParents([]relay.Parent{relay.NodeParent(a)}))

	store := storage.NewMockStore()
	_, err := a.Commit(store)
	assert.ErrorIs(t, err, relay.ErrCyclic)
	_, err = a.Nodes()
	assert.ErrorIs(t, err, relay.ErrCyclic)

	// breaking the cycle leaves the graph usable
	require.NoError(t, b.SetParents(nil))
	_, err = a.Commit(store)
	require.NoError(t, err)
	nodes, err := a.Nodes()
	require.NoError(t, err)
	assert.Contains(t, nodes, "b")

	// a cycle strictly below the root is rejected the same way
	c := mustNode(t, "c")
	d := mustNode(t, "d", relay.NodeParent(c))
	top := mustNode(t, "top", relay.NodeParent(d))
	require.NoError(t, c.SetParents([]relay.Parent{relay.NodeParent(d)}))
	_, err = top.Commit(store)
	assert.ErrorIs(t, err, relay.ErrCyclic)
	_, err = top.Nodes()
	assert.ErrorIs(t, err, relay.ErrCyclic)
}

func TestCommitDiamond(t *testing.T) {
	store := storage.NewMockStore()
	root, left, right, shared := diamond(t)

	rootID, err := root.Commit(store)
	require.NoError(t, err)

	total, err := store.MaxRowID()
	require.NoError(t, err)
	assert.EqualValues(t, 4, total, "shared grandparent must be written once")

	row, err := store.GetRow(rootID)
	require.NoError(t, err)
	assert.Equal(t, "root", row.Label)
	assert.Equal(t, []int64{left.RowID(), right.RowID()}, row.Data.Runner.Parents)

	leftRow, err := store.GetRow(left.RowID())
	require.NoError(t, err)
	assert.Equal(t, []int64{shared.RowID()}, leftRow.Data.Runner.Parents)

	// a clean graph re-commits as a no-op
	again, err := root.Commit(nil)
	require.NoError(t, err)
	assert.Equal(t, rootID, again)
	total, err = store.MaxRowID()
	require.NoError(t, err)
	assert.EqualValues(t, 4, total)
}

func TestCommitConsumesPayloadParent(t *testing.T) {
	store := storage.NewMockStore()
	parent := mustNode(t, "parent")
	node, err := relay.New("child", []relay.Parent{
		relay.PayloadParent(json.RawMessage(`{"positions": [0, 0, 0]}`)),
		relay.NodeParent(parent),
	}, taskData("child"), "local:test")
	require.NoError(t, err)

	id, err := node.Commit(store)
	require.NoError(t, err)

	row, err := store.GetRow(id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"positions": [0, 0, 0]}`, string(row.Payload))
	assert.Equal(t, []int64{parent.RowID()}, row.Data.Runner.Parents)
	assert.Len(t, node.Parents(), 1)
}

func TestCommitRejectsInFlightRow(t *testing.T) {
	store := storage.NewMockStore()
	node := mustNode(t, "calc")
	id, err := node.Commit(store)
	require.NoError(t, err)

	setStatus(t, store, id, models.RunningStatus)
	require.NoError(t, node.SetLabel("renamed"))
	_, err = node.Commit(nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "cannot commit")

	setStatus(t, store, id, models.DoneStatus)
	again, err := node.Commit(nil)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	row, err := store.GetRow(id)
	require.NoError(t, err)
	assert.Equal(t, "renamed", row.Label)
}

func TestCommitStoreBinding(t *testing.T) {
	node := mustNode(t, "calc")
	_, err := node.Commit(nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "needs a store")

	store1 := storage.NewMockStore()
	store2 := storage.NewMockStore()
	_, err = node.Commit(store1)
	require.NoError(t, err)
	_, err = node.Commit(store2)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "different store")

	// the binding holds for parents reached through a child's commit: a
	// dirty node bound to store1 must not write into store2, even when
	// store2 happens to hold an unrelated row under the same id
	parent := mustNode(t, "upstream")
	_, err = parent.Commit(store1)
	require.NoError(t, err)
	require.NoError(t, parent.SetLabel("renamed"))
	child := mustNode(t, "downstream", relay.NodeParent(parent))

	_, err = store2.WriteRow(models.Row{Label: "filler", Data: models.RowData{Runner: taskData("filler")}})
	require.NoError(t, err)
	decoyID, err := store2.WriteRow(models.Row{Label: "decoy", Data: models.RowData{Runner: taskData("decoy")}})
	require.NoError(t, err)
	require.Equal(t, parent.RowID(), decoyID)

	_, err = child.Commit(store2)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "different store")
	row, err := store2.GetRow(decoyID)
	require.NoError(t, err)
	assert.Equal(t, "decoy", row.Label)
}

func TestCommitValidatesData(t *testing.T) {
	store := storage.NewMockStore()
	node, err := relay.New("empty", nil, runnerdata.New("empty"), "")
	require.NoError(t, err)
	_, err = node.Commit(store)
	assert.Error(t, err)
	assert.True(t, runnerdata.IsValidationError(err))
}

func TestStart(t *testing.T) {
	store := storage.NewMockStore()
	parent := mustNode(t, "parent")
	child := mustNode(t, "child", relay.NodeParent(parent))

	_, err := child.Start(false, false)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "commit")

	_, err = child.Commit(store)
	require.NoError(t, err)

	submitted, err := child.Start(false, false)
	require.NoError(t, err)
	assert.True(t, submitted)
	for _, n := range []*relay.Relay{parent, child} {
		row, err := store.GetRow(n.RowID())
		require.NoError(t, err)
		assert.Equal(t, models.SubmitStatus, row.Status)
		assert.Equal(t, "local:test", row.Runner)
	}

	// settled rows stay settled without force
	setStatus(t, store, parent.RowID(), models.DoneStatus)
	setStatus(t, store, child.RowID(), models.DoneStatus)
	submitted, err = child.Start(false, false)
	require.NoError(t, err)
	assert.False(t, submitted)
	status, err := child.Status()
	require.NoError(t, err)
	assert.Equal(t, models.DoneStatus, status)

	// force resubmits the node itself, not its parents
	submitted, err = child.Start(true, false)
	require.NoError(t, err)
	assert.True(t, submitted)
	status, err = child.Status()
	require.NoError(t, err)
	assert.Equal(t, models.SubmitStatus, status)
	status, err = parent.Status()
	require.NoError(t, err)
	assert.Equal(t, models.DoneStatus, status)

	// a cancelled row is never resurrected
	setStatus(t, store, child.RowID(), models.CancelStatus)
	submitted, err = child.Start(true, false)
	require.NoError(t, err)
	assert.False(t, submitted)
}

func TestStartResubmitsDoneChildOfResubmittedParent(t *testing.T) {
	store := storage.NewMockStore()
	parent := mustNode(t, "parent")
	child := mustNode(t, "child", relay.NodeParent(parent))
	_, err := child.Commit(store)
	require.NoError(t, err)

	// parent failed, child already done: restarting the parent
	// invalidates the child's result
	setStatus(t, store, parent.RowID(), models.FailedStatus)
	setStatus(t, store, child.RowID(), models.DoneStatus)

	submitted, err := child.Start(false, false)
	require.NoError(t, err)
	assert.True(t, submitted)
	for _, n := range []*relay.Relay{parent, child} {
		status, err := n.Status()
		require.NoError(t, err)
		assert.Equal(t, models.SubmitStatus, status)
	}
}

func TestCancel(t *testing.T) {
	store := storage.NewMockStore()
	parent := mustNode(t, "parent")
	child := mustNode(t, "child", relay.NodeParent(parent))

	assert.Error(t, child.Cancel(false))

	_, err := child.Commit(store)
	require.NoError(t, err)
	setStatus(t, store, parent.RowID(), models.RunningStatus)
	setStatus(t, store, child.RowID(), models.RunningStatus)

	require.NoError(t, child.Cancel(false))
	status, err := child.Status()
	require.NoError(t, err)
	assert.Equal(t, models.CancelStatus, status)
	status, err = parent.Status()
	require.NoError(t, err)
	assert.Equal(t, models.RunningStatus, status)

	require.NoError(t, child.Cancel(true))
	status, err = parent.Status()
	require.NoError(t, err)
	assert.Equal(t, models.CancelStatus, status)
}

func TestEncodeDecodeFoldsSharedNodes(t *testing.T) {
	store := storage.NewMockStore()
	root, _, _, _ := diamond(t)
	_, err := root.Commit(store)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, root.Encode(&buf))

	root2, err := relay.Decode(&buf, store)
	require.NoError(t, err)
	assert.Equal(t, root.RowID(), root2.RowID())
	assert.Equal(t, "root", root2.Label())

	left2 := root2.Node("left")
	right2 := root2.Node("right")
	require.NotNil(t, left2)
	require.NotNil(t, right2)
	assert.Same(t, left2.Parents()[0].Node, right2.Parents()[0].Node,
		"shared grandparent must come back as one instance")

	needs, err := root2.NeedsCommit()
	require.NoError(t, err)
	assert.False(t, needs)
}

func TestDecodeUncommittedGraph(t *testing.T) {
	root, _, _, _ := diamond(t)
	var buf bytes.Buffer
	require.NoError(t, root.Encode(&buf))

	root2, err := relay.Decode(bytes.NewReader(buf.Bytes()), nil)
	require.NoError(t, err)
	assert.Zero(t, root2.RowID())
	needs, err := root2.NeedsCommit()
	require.NoError(t, err)
	assert.True(t, needs)

	// committed nodes cannot come back without a store
	store := storage.NewMockStore()
	_, err = root.Commit(store)
	require.NoError(t, err)
	buf.Reset()
	require.NoError(t, root.Encode(&buf))
	_, err = relay.Decode(&buf, nil)
	assert.Error(t, err)
}

func TestFromStore(t *testing.T) {
	store := storage.NewMockStore()
	root, _, _, _ := diamond(t)
	rootID, err := root.Commit(store)
	require.NoError(t, err)

	root2, err := relay.FromStore(store, rootID)
	require.NoError(t, err)
	assert.Equal(t, rootID, root2.RowID())
	assert.Equal(t, "root", root2.Label())

	left2 := root2.Node("left")
	right2 := root2.Node("right")
	require.NotNil(t, left2)
	require.NotNil(t, right2)
	assert.Same(t, left2.Parents()[0].Node, right2.Parents()[0].Node)

	needs, err := root2.NeedsCommit()
	require.NoError(t, err)
	assert.False(t, needs)

	_, err = relay.FromStore(store, 999)
	assert.Error(t, err)
}

func TestNodeLookupAndSetters(t *testing.T) {
	root, left, _, shared := diamond(t)

	assert.Same(t, left, root.Node("left"))
	assert.Same(t, shared, root.Node(shared.Ref()))
	assert.Nil(t, root.Node("missing"))

	nodes, err := root.Nodes()
	require.NoError(t, err)
	assert.Contains(t, nodes, "left")
	assert.Contains(t, nodes, "right")
	assert.Contains(t, nodes, "shared")

	assert.Error(t, root.SetLabel("17"))
	assert.Error(t, root.SetRunnerName("cloud:prod"))
	require.NoError(t, root.SetRunnerName("slurm:prod"))
	assert.Equal(t, "slurm:prod", root.RunnerName())
}

func TestReplaceData(t *testing.T) {
	shared := mustNode(t, "shared")
	root := mustNode(t, "root", relay.NodeParent(shared))
	require.NoError(t, shared.SetData(taskData("common")))
	require.NoError(t, root.SetData(taskData("common")))

	replacement := taskData("common")
	replacement.Tasks = []runnerdata.Task{runnerdata.Shell("echo replaced")}
	require.NoError(t, root.ReplaceData(replacement))

	assert.Equal(t, "echo replaced", root.Data().Tasks[0].Command)
	assert.Equal(t, "echo replaced", shared.Data().Tasks[0].Command)
}

func TestWaitRow(t *testing.T) {
	store := storage.NewMockStore()
	node := mustNode(t, "calc")
	id, err := node.Commit(store)
	require.NoError(t, err)

	setStatus(t, store, id, models.DoneStatus)
	row, err := node.WaitRow(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, models.DoneStatus, row.Status)

	setStatus(t, store, id, models.FailedStatus)
	_, err = node.WaitRow(context.Background(), 10*time.Millisecond)
	assert.Error(t, err)

	setStatus(t, store, id, models.RunningStatus)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = node.WaitRow(ctx, 10*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWriteGraph(t *testing.T) {
	store := storage.NewMockStore()
	root, _, _, _ := diamond(t)
	_, err := root.Commit(store)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, root.WriteGraph(&buf, true))
	out := buf.String()
	assert.Contains(t, out, "digraph")
	assert.Contains(t, out, "->")
	assert.Contains(t, out, "root")
	assert.Contains(t, out, "shell: echo shared")
}
