package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dshills/flowstudio/pkg/api"
)

func newFolderCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "folder",
		Short: "Manage folders",
	}

	cmd.AddCommand(newFolderListCommand(a))
	cmd.AddCommand(newFolderCreateCommand(a))
	cmd.AddCommand(newFolderRenameCommand(a))
	cmd.AddCommand(newFolderDeleteCommand(a))

	return cmd
}

func newFolderListCommand(a *app) *cobra.Command {
	var parent string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List root folders, or the children of --parent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := a.open()
			if err != nil {
				return err
			}
			folders, err := backend.ListFolders(a.context(cmd), optional(cmd, "parent", parent))
			if err != nil {
				return fmt.Errorf("failed to list folders: %w", err)
			}

			if len(folders) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No folders found.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tNAME\tWORKFLOWS\tUPDATED")
			for _, f := range folders {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", f.ID, f.Name, f.FileCount, formatTime(f.UpdatedAt))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&parent, "parent", "", "List the children of this folder")
	return cmd
}

func newFolderCreateCommand(a *app) *cobra.Command {
	var parent string

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := a.open()
			if err != nil {
				return err
			}
			f, err := backend.CreateFolder(a.context(cmd), api.CreateFolderInput{
				Name:     args[0],
				ParentID: optional(cmd, "parent", parent),
			})
			if err != nil {
				return fmt.Errorf("failed to create folder: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✓ Created folder %s\n", f.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&parent, "parent", "", "Parent folder")
	return cmd
}

func newFolderRenameCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <folder-id> <name>",
		Short: "Rename a folder",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := a.open()
			if err != nil {
				return err
			}
			name := args[1]
			if _, err := backend.UpdateFolder(a.context(cmd), api.UpdateFolderInput{ID: args[0], Name: &name}); err != nil {
				return fmt.Errorf("failed to rename folder: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✓ Renamed folder %s to %q\n", args[0], name)
			return nil
		},
	}
}

func newFolderDeleteCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <folder-id>",
		Short: "Delete a folder, moving its contents to the root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := a.open()
			if err != nil {
				return err
			}
			if err := backend.DeleteFolder(a.context(cmd), args[0]); err != nil {
				return fmt.Errorf("failed to delete folder: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✓ Deleted folder %s\n", args[0])
			return nil
		},
	}
}
