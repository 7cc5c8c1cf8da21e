package relay

import (
	"io"
	"strings"

	"github.com/emicklei/dot"

	"github.com/relayrun/relayrun/pkg/models"
)

var statusColors = map[models.Status]string{
	models.UnsetStatus:   "lightgray",
	models.SubmitStatus:  "lightblue",
	models.RunningStatus: "gold",
	models.DoneStatus:    "palegreen",
	models.FailedStatus:  "lightcoral",
	models.CancelStatus:  "orange",
}

// WriteGraph renders the graph in DOT form, one box per node colored by its
// persisted status. With tasks, every node gets a note listing its task
// commands.
func (r *Relay) WriteGraph(w io.Writer, tasks bool) error {
	nodes, err := r.spider()
	if err != nil {
		return err
	}
	nodes[r.ref()] = r

	g := dot.NewGraph(dot.Directed)
	g.Attr("rankdir", "BT")

	drawn := make(map[string]dot.Node, len(nodes))
	for ref, node := range nodes {
		n := g.Node(ref).Attr("label", node.caption()).
			Attr("shape", "box").Attr("style", "filled").
			Attr("fillcolor", node.fillColor())
		drawn[ref] = n
		if tasks && len(node.data.Tasks) > 0 {
			lines := make([]string, 0, len(node.data.Tasks))
			for _, task := range node.data.Tasks {
				lines = append(lines, string(task.Type)+": "+task.Command)
			}
			t := g.Node(ref+"_tasks").Attr("label", strings.Join(lines, "\n")).
				Attr("shape", "note").Attr("fontsize", "10")
			g.Edge(t, n).Attr("style", "dotted").Attr("arrowhead", "none")
		}
	}
	for ref, node := range nodes {
		for _, parent := range node.parents {
			if parent.Node != nil {
				g.Edge(drawn[parent.Node.ref()], drawn[ref])
			}
		}
	}

	_, err = io.WriteString(w, g.String())
	return err
}

func (r *Relay) caption() string {
	if r.label != "" {
		return r.ref() + ": " + r.label
	}
	if r.data.Name != "" {
		return r.ref() + ": " + r.data.Name
	}
	return r.ref()
}

func (r *Relay) fillColor() string {
	if r.store == nil {
		return "white"
	}
	status, err := r.Status()
	if err != nil {
		return "white"
	}
	return statusColors[status]
}
