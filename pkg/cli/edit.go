package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dshills/flowstudio/pkg/session"
	"github.com/dshills/flowstudio/pkg/workflow"
)

const editHelp = `Commands:
  text <node-id> <text...>                  add a text node
  llm <node-id> [model]                     add an LLM node
  set <node-id> <text...>                   replace the text of a text node
  connect <source> <target> <handle>        connect source's output to a target handle
                                            (system_prompt, user_message or images)
  disconnect <edge-id>                      remove an edge
  remove <node-id>                          remove a node and its edges
  name <name>                               rename the workflow
  undo | redo                               step through edit history
  show                                      list nodes and edges
  save                                      save now
  help                                      show this help
  quit                                      save and exit`

// nodeSpacing is the horizontal gap between nodes added from the editor
const nodeSpacing = 240

func newEditCommand(a *app) *cobra.Command {
	var noAutosave bool

	cmd := &cobra.Command{
		Use:   "edit <workflow-id>",
		Short: "Edit a workflow from a line-oriented prompt",
		Long: `Edit a workflow by reading one command per line from stdin. Edits are saved
in the background every autosave.interval and once more on exit. With
--no-autosave (or autosave.disabled in config.yaml) only 'save' writes the
workflow, and unsaved edits are discarded on exit.

` + editHelp + `

Examples:
  flowstudio edit <id>
  printf 'text sys be brief\nllm l1\nconnect sys l1 system_prompt\n' | flowstudio edit <id>`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.loadSession(cmd, args[0])
			if err != nil {
				return fmt.Errorf("failed to load workflow: %w", err)
			}
			ctx := a.context(cmd)
			out := cmd.OutOrStdout()

			if noAutosave || a.cfg.Autosave.Disabled {
				editLoop(ctx, s, cmd.InOrStdin(), out)
				if s.IsDirty() {
					_, _ = fmt.Fprintln(out, "⚠ Unsaved changes discarded")
				}
				return nil
			}

			saver, err := session.NewAutosaver(s, a.cfg.Autosave.Interval, a.logger)
			if err != nil {
				return err
			}
			saver.Start(ctx)
			editLoop(ctx, s, cmd.InOrStdin(), out)
			if !saver.Stop(ctx) {
				return fmt.Errorf("failed to save workflow %s", s.ID())
			}
			_, _ = fmt.Fprintf(out, "✓ Saved workflow %s\n", s.ID())
			return nil
		},
	}

	cmd.Flags().BoolVar(&noAutosave, "no-autosave", false, "Only save on an explicit 'save'")
	return cmd
}

// editLoop applies commands from in until EOF or quit. A failing command is
// reported and the loop continues.
func editLoop(ctx context.Context, s *session.Session, in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "quit" || line == "exit" {
			return
		}
		if err := editCommand(ctx, s, line, out); err != nil {
			_, _ = fmt.Fprintf(out, "✗ %v\n", err)
		}
	}
}

func editCommand(ctx context.Context, s *session.Session, line string, out io.Writer) error {
	fields := strings.Fields(line)
	verb, args := fields[0], fields[1:]

	// rest is the remainder of the line after the first n arguments
	rest := func(n int) string {
		text := strings.TrimSpace(strings.TrimPrefix(line, verb))
		for i := 0; i < n; i++ {
			text = strings.TrimSpace(strings.TrimPrefix(text, args[i]))
		}
		return text
	}
	need := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("%s: expected at least %d argument(s), see 'help'", verb, n)
		}
		return nil
	}

	switch verb {
	case "text":
		if err := need(1); err != nil {
			return err
		}
		return addNode(s, workflow.NodeID(args[0]), &workflow.TextData{Text: rest(1)}, out)

	case "llm":
		if err := need(1); err != nil {
			return err
		}
		model := workflow.DefaultModel
		if len(args) > 1 {
			model = args[1]
		}
		return addNode(s, workflow.NodeID(args[0]), &workflow.LLMData{Model: model}, out)

	case "set":
		if err := need(1); err != nil {
			return err
		}
		id, text := workflow.NodeID(args[0]), rest(1)
		return s.ApplyCoalesced("text:"+args[0], func(g workflow.Graph) (workflow.Graph, error) {
			n, ok := g.Node(id)
			if !ok {
				return g, fmt.Errorf("%w: %s", workflow.ErrNodeNotFound, id)
			}
			if n.Kind() != workflow.KindText {
				return g, fmt.Errorf("node %s is a %s node, not a text node", id, n.Kind())
			}
			return g.UpdateNode(id, func(n workflow.Node) workflow.Node {
				n.Data.(*workflow.TextData).Text = text
				return n
			})
		})

	case "connect":
		if err := need(3); err != nil {
			return err
		}
		edge := workflow.NewEdge(workflow.NodeID(args[0]), workflow.HandleOutput,
			workflow.NodeID(args[1]), workflow.Handle(args[2]))
		if err := s.Apply(func(g workflow.Graph) (workflow.Graph, error) { return g.Connect(edge) }); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "+ edge %s\n", edge.ID)
		return nil

	case "disconnect":
		if err := need(1); err != nil {
			return err
		}
		return s.Apply(func(g workflow.Graph) (workflow.Graph, error) {
			return g.Disconnect(workflow.EdgeID(args[0]))
		})

	case "remove":
		if err := need(1); err != nil {
			return err
		}
		return s.Apply(func(g workflow.Graph) (workflow.Graph, error) {
			return g.RemoveNode(workflow.NodeID(args[0]))
		})

	case "name":
		if err := need(1); err != nil {
			return err
		}
		s.SetWorkflowName(rest(0))
		return nil

	case "undo":
		return s.Undo()

	case "redo":
		return s.Redo()

	case "save":
		if err := s.SaveE(ctx); err != nil {
			return err
		}
		_, _ = fmt.Fprintln(out, "✓ Saved")
		return nil

	case "show":
		showGraph(s, out)
		return nil

	case "help":
		_, _ = fmt.Fprintln(out, editHelp)
		return nil
	}
	return errors.New("unknown command " + verb + ", see 'help'")
}

func addNode(s *session.Session, id workflow.NodeID, data workflow.NodeData, out io.Writer) error {
	err := s.Apply(func(g workflow.Graph) (workflow.Graph, error) {
		return g.AddNode(workflow.Node{
			ID:       id,
			Position: workflow.Position{X: float64(g.NodeCount() * nodeSpacing)},
			Data:     data,
		})
	})
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "+ %s node %s\n", data.Kind(), id)
	return nil
}

func showGraph(s *session.Session, out io.Writer) {
	snap := s.Snapshot()
	dirty := ""
	if snap.Dirty {
		dirty = " (unsaved)"
	}
	_, _ = fmt.Fprintf(out, "%s%s\n", snap.Name, dirty)
	for _, n := range snap.Graph.Nodes() {
		_, _ = fmt.Fprintf(out, "  node %s [%s] %s\n", n.ID, n.Kind(), n.Name())
	}
	for _, e := range snap.Graph.Edges() {
		_, _ = fmt.Fprintf(out, "  edge %s: %s -> %s.%s\n", e.ID, e.Source, e.Target, e.TargetHandle)
	}
}
