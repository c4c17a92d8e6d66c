package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/flowstudio/pkg/api"
	"github.com/dshills/flowstudio/pkg/session"
	"github.com/dshills/flowstudio/pkg/workflow"
)

func (a *app) session() (*session.Session, error) {
	backend, err := a.open()
	if err != nil {
		return nil, err
	}
	return session.New(backend, session.WithLogger(a.logger.Named("session"))), nil
}

// loadSession opens a session on workflow id
func (a *app) loadSession(cmd *cobra.Command, id string) (*session.Session, error) {
	s, err := a.session()
	if err != nil {
		return nil, err
	}
	if err := s.Load(a.context(cmd), id); err != nil {
		return nil, err
	}
	return s, nil
}

func optional(cmd *cobra.Command, flag, value string) *string {
	if !cmd.Flags().Changed(flag) || value == "" {
		return nil
	}
	return &value
}

func formatTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04")
}

func newWorkflowCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workflow",
		Aliases: []string{"wf"},
		Short:   "Manage workflows",
	}

	cmd.AddCommand(newWorkflowListCommand(a))
	cmd.AddCommand(newWorkflowCreateCommand(a))
	cmd.AddCommand(newWorkflowShowCommand(a))
	cmd.AddCommand(newWorkflowRenameCommand(a))
	cmd.AddCommand(newWorkflowDeleteCommand(a))

	return cmd
}

func newWorkflowListCommand(a *app) *cobra.Command {
	var (
		folder string
		root   bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		Long: `List workflows, optionally only those in one folder.

Examples:
  flowstudio workflow list
  flowstudio workflow list --folder <folder-id>
  flowstudio workflow list --root`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := a.open()
			if err != nil {
				return err
			}

			in := api.ListWorkflowsInput{}
			if root || cmd.Flags().Changed("folder") {
				in.InFolder = true
				in.FolderID = optional(cmd, "folder", folder)
			}
			workflows, err := backend.ListWorkflows(a.context(cmd), in)
			if err != nil {
				return fmt.Errorf("failed to list workflows: %w", err)
			}

			if len(workflows) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No workflows found.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tNAME\tFOLDER\tUPDATED")
			for _, wf := range workflows {
				folder := "-"
				if wf.FolderID != nil {
					folder = *wf.FolderID
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", wf.ID, wf.Name, folder, formatTime(wf.UpdatedAt))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&folder, "folder", "", "Only list workflows in this folder")
	cmd.Flags().BoolVar(&root, "root", false, "Only list workflows outside any folder")
	cmd.MarkFlagsMutuallyExclusive("folder", "root")
	return cmd
}

func newWorkflowCreateCommand(a *app) *cobra.Command {
	var folder string

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an empty workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.session()
			if err != nil {
				return err
			}
			id, ok := s.CreateAndSave(a.context(cmd), args[0], workflow.EmptyGraph(), optional(cmd, "folder", folder))
			if !ok {
				return fmt.Errorf("failed to create workflow %q", args[0])
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✓ Created workflow %s\n", id)
			return nil
		},
	}

	cmd.Flags().StringVar(&folder, "folder", "", "Folder to create the workflow in")
	return cmd
}

func newWorkflowShowCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <workflow-id>",
		Short: "Show a workflow's nodes and edges",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := a.open()
			if err != nil {
				return err
			}
			wf, err := backend.GetWorkflow(a.context(cmd), args[0])
			if err != nil {
				return fmt.Errorf("failed to get workflow: %w", err)
			}

			out := cmd.OutOrStdout()
			g := wf.Graph()
			_, _ = fmt.Fprintf(out, "Workflow: %s\n", wf.Name)
			_, _ = fmt.Fprintf(out, "ID:       %s\n", wf.ID)
			if wf.FolderID != nil {
				_, _ = fmt.Fprintf(out, "Folder:   %s\n", *wf.FolderID)
			}
			_, _ = fmt.Fprintf(out, "Updated:  %s\n", formatTime(wf.UpdatedAt))
			_, _ = fmt.Fprintf(out, "Nodes:    %d\n", g.NodeCount())
			_, _ = fmt.Fprintf(out, "Edges:    %d\n\n", g.EdgeCount())

			if g.NodeCount() > 0 {
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "NODE\tKIND\tNAME\tINPUTS")
				for _, n := range g.Nodes() {
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", n.ID, n.Kind(), n.Name(), len(g.IncomingEdges(n.ID)))
				}
				if err := w.Flush(); err != nil {
					return err
				}
			}

			if err := g.Validate(); err != nil {
				_, _ = fmt.Fprintf(out, "\n⚠ %v\n", err)
			}
			return nil
		},
	}
}

func newWorkflowRenameCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <workflow-id> <name>",
		Short: "Rename a workflow",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := api.ValidateName(args[1]); err != nil {
				return err
			}
			s, err := a.loadSession(cmd, args[0])
			if err != nil {
				return fmt.Errorf("failed to load workflow: %w", err)
			}
			s.SetWorkflowName(args[1])
			if err := s.SaveE(a.context(cmd)); err != nil {
				return fmt.Errorf("failed to save workflow: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✓ Renamed workflow %s to %q\n", args[0], args[1])
			return nil
		},
	}
}

func newWorkflowDeleteCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <workflow-id>",
		Short: "Delete a workflow and its run history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := a.open()
			if err != nil {
				return err
			}
			if err := backend.DeleteWorkflow(a.context(cmd), args[0]); err != nil {
				return fmt.Errorf("failed to delete workflow: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✓ Deleted workflow %s\n", args[0])
			return nil
		},
	}
}

func newExportCommand(a *app) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export <workflow-id>",
		Short: "Export a workflow to a JSON document",
		Long: `Export a workflow, inline images included, to a JSON document that
'flowstudio import' can read back.

Examples:
  flowstudio export <id>                # writes ./<name>.json
  flowstudio export <id> -o exports/    # writes exports/<name>.json
  flowstudio export <id> -o -           # writes to stdout`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.loadSession(cmd, args[0])
			if err != nil {
				return fmt.Errorf("failed to load workflow: %w", err)
			}

			if output == "-" {
				return s.Export(cmd.OutOrStdout())
			}
			if err := os.MkdirAll(output, 0755); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}
			path, err := s.ExportFile(output)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✓ Exported to %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", ".", "Output directory, or - for stdout")
	return cmd
}

func newImportCommand(a *app) *cobra.Command {
	var (
		folder string
		name   string
	)

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a workflow document as a new workflow",
		Long: `Import a JSON document written by 'flowstudio export' as a new workflow.
Inline image data is kept in the document but not uploaded to the store.

Examples:
  flowstudio import my-flow.json
  flowstudio import my-flow.json --name "Copy of my flow" --folder <folder-id>`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", args[0], err)
			}
			defer func() { _ = f.Close() }()

			s, err := a.session()
			if err != nil {
				return err
			}
			if err := s.Import(f); err != nil {
				return fmt.Errorf("failed to import %s: %w", args[0], err)
			}
			if name == "" {
				name = s.Name()
			}

			id, ok := s.CreateAndSave(a.context(cmd), name, s.Graph(), optional(cmd, "folder", folder))
			if !ok {
				return fmt.Errorf("failed to store imported workflow %q", name)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✓ Imported %q as %s\n", name, id)
			return nil
		},
	}

	cmd.Flags().StringVar(&folder, "folder", "", "Folder to import into")
	cmd.Flags().StringVar(&name, "name", "", "Workflow name (default from the document)")
	return cmd
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a workflow document",
		Long: `Check a workflow document against the document schema and the graph rules:
unique node ids, edges between existing nodes, at most one edge per prompt input.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}
			if err := workflow.ValidateDocumentSchema(data); err != nil {
				return err
			}
			doc, err := workflow.ParseDocument(data)
			if err != nil {
				return err
			}
			if err := doc.Graph().Validate(); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✓ %s is a valid workflow document (%d nodes, %d edges)\n",
				args[0], len(doc.Nodes), len(doc.Edges))
			return nil
		},
	}
}
