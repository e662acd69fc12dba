// Package viz renders the change graph of a document with graphviz.
package viz

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
	"github.com/oklog/ulid/v2"

	"github.com/cybersemics/thoughtspace/pkg/crdt"
)

// Render writes the change DAG of doc as SVG. Each node is one change, labelled with
// its hash, actor and sequence number, plus the value at path as of that change when
// a path is given.
func Render(doc *crdt.Doc, w io.Writer, path ...interface{}) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}

	nodeMap := make(map[string]*cgraph.Node, len(changes))
	edges := 0
	for _, change := range changes {
		hash := change.Hash().String()
		label := fmt.Sprintf("%s %s@%d", hash[:8], shortActor(change.ActorID()), change.ActorSeq())
		if len(path) > 0 {
			value, err := valueAt(doc, change.Hash(), path)
			if err != nil {
				return err
			}
			label += " " + value
		}

		n, err := graph.CreateNode(hash)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(label)
		nodeMap[hash] = n

		for _, dep := range change.Dependencies() {
			parent, ok := nodeMap[dep.String()]
			if !ok {
				continue
			}
			edges++
			if _, err := graph.CreateEdge(strconv.Itoa(edges), parent, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	_, err = w.Write(buff.Bytes())
	return err
}

func RenderDocToSvg(doc *crdt.Doc, outputPath string, path ...interface{}) error {
	var buff bytes.Buffer
	if err := Render(doc, &buff, path...); err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}
	return nil
}

// RenderToTemp renders into a new file in the temp dir and returns its path.
func RenderToTemp(doc *crdt.Doc, path ...interface{}) (string, error) {
	tf := filepath.Join(os.TempDir(), ulid.Make().String()+".svg")
	if err := RenderDocToSvg(doc, tf, path...); err != nil {
		return "", err
	}
	return tf, nil
}

func valueAt(doc *crdt.Doc, hash automerge.ChangeHash, path []interface{}) (string, error) {
	docAt, err := doc.Fork(hash)
	if err != nil {
		return "", fmt.Errorf("failed to checkout %s: %w", hash, err)
	}
	var raw interface{}
	if value, err := docAt.Path(path...).Get(); err == nil {
		raw = value.Interface()
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s: %w", hash, err)
	}
	return string(encoded), nil
}

func shortActor(actor string) string {
	if len(actor) > 8 {
		return actor[:8]
	}
	return actor
}
