package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orchestra/squadcore/internal/orchestration/tasks"
	"github.com/orchestra/squadcore/internal/orchestration/types"
)

var createFlags struct {
	description string
	notes       string
	issueType   string
	priority    int
	parent      string
	project     string
	labels      []string
	dependsOn   []string
}

var createCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, ts, err := openTaskStore()
		if err != nil {
			return err
		}
		defer db.Close()

		spec := tasks.Spec{
			Title:       args[0],
			Description: createFlags.description,
			Notes:       createFlags.notes,
			IssueType:   types.IssueType(createFlags.issueType),
			Priority:    createFlags.priority,
			Parent:      createFlags.parent,
			Project:     createFlags.project,
			Labels:      createFlags.labels,
			DependsOn:   createFlags.dependsOn,
		}
		task, err := ts.Create(spec)
		if err != nil {
			return err
		}
		return printJSON(task)
	},
}

func init() {
	rootCmd.AddCommand(createCmd)
	createCmd.Flags().StringVar(&createFlags.description, "description", "", "task description")
	createCmd.Flags().StringVar(&createFlags.notes, "notes", "", "task notes")
	createCmd.Flags().StringVar(&createFlags.issueType, "type", string(types.IssueTask), "issue type: bug|feature|task|chore|epic|chat")
	createCmd.Flags().IntVar(&createFlags.priority, "priority", 0, "priority, lower runs first")
	createCmd.Flags().StringVar(&createFlags.parent, "parent", "", "parent task id, for a child task")
	createCmd.Flags().StringVar(&createFlags.project, "project", "", "project prefix, required for a root task")
	createCmd.Flags().StringSliceVar(&createFlags.labels, "label", nil, "label, repeatable")
	createCmd.Flags().StringSliceVar(&createFlags.dependsOn, "depends-on", nil, "dependency task id, repeatable")
}

var listFlags struct {
	status    string
	assignee  string
	issueType string
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks matching a filter",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, ts, err := openTaskStore()
		if err != nil {
			return err
		}
		defer db.Close()

		out := ts.List(tasks.Filter{
			Status:    types.Status(listFlags.status),
			Assignee:  listFlags.assignee,
			IssueType: types.IssueType(listFlags.issueType),
		})
		return printJSON(out)
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringVar(&listFlags.status, "status", "", "filter by status")
	listCmd.Flags().StringVar(&listFlags.assignee, "assignee", "", "filter by assignee")
	listCmd.Flags().StringVar(&listFlags.issueType, "type", "", "filter by issue type")
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, ts, err := openTaskStore()
		if err != nil {
			return err
		}
		defer db.Close()

		task, err := ts.Show(args[0])
		if err != nil {
			return err
		}
		return printJSON(task)
	},
}

func init() { rootCmd.AddCommand(showCmd) }

var readyCmd = &cobra.Command{
	Use:   "ready",
	Short: "List open tasks with every dependency closed",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, ts, err := openTaskStore()
		if err != nil {
			return err
		}
		defer db.Close()
		return printJSON(ts.Ready())
	},
}

func init() { rootCmd.AddCommand(readyCmd) }

var updateFlags struct {
	title       string
	description string
	notes       string
	priority    int
	status      string
	assignee    string
	labels      []string
}

var updateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Patch a task's fields",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, ts, err := openTaskStore()
		if err != nil {
			return err
		}
		defer db.Close()

		patch := tasks.Patch{}
		if cmd.Flags().Changed("title") {
			patch.Title = &updateFlags.title
		}
		if cmd.Flags().Changed("description") {
			patch.Description = &updateFlags.description
		}
		if cmd.Flags().Changed("notes") {
			patch.Notes = &updateFlags.notes
		}
		if cmd.Flags().Changed("priority") {
			patch.Priority = &updateFlags.priority
		}
		if cmd.Flags().Changed("status") {
			s := types.Status(updateFlags.status)
			patch.Status = &s
		}
		if cmd.Flags().Changed("assignee") {
			patch.Assignee = &updateFlags.assignee
		}
		if cmd.Flags().Changed("label") {
			patch.Labels = &updateFlags.labels
		}

		task, err := ts.Update(args[0], patch)
		if err != nil {
			return err
		}
		return printJSON(task)
	},
}

func init() {
	rootCmd.AddCommand(updateCmd)
	updateCmd.Flags().StringVar(&updateFlags.title, "title", "", "new title")
	updateCmd.Flags().StringVar(&updateFlags.description, "description", "", "new description")
	updateCmd.Flags().StringVar(&updateFlags.notes, "notes", "", "new notes")
	updateCmd.Flags().IntVar(&updateFlags.priority, "priority", 0, "new priority")
	updateCmd.Flags().StringVar(&updateFlags.status, "status", "", "new status")
	updateCmd.Flags().StringVar(&updateFlags.assignee, "assignee", "", "new assignee")
	updateCmd.Flags().StringSliceVar(&updateFlags.labels, "label", nil, "replace labels, repeatable")
}

var closeOverride bool

var closeCmd = &cobra.Command{
	Use:   "close <id>",
	Short: "Close a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, ts, err := openTaskStore()
		if err != nil {
			return err
		}
		defer db.Close()
		return ts.Close(args[0], closeOverride)
	},
}

func init() {
	rootCmd.AddCommand(closeCmd)
	closeCmd.Flags().BoolVar(&closeOverride, "override", false, "close even with open dependencies")
}

var depCmd = &cobra.Command{
	Use:   "dep",
	Short: "Manage task dependencies",
}

var depAddCmd = &cobra.Command{
	Use:   "add <task> <depends-on>",
	Short: "Add a dependency edge",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, ts, err := openTaskStore()
		if err != nil {
			return err
		}
		defer db.Close()
		return ts.AddDep(args[0], args[1])
	},
}

var depRemoveCmd = &cobra.Command{
	Use:   "remove <task> <depends-on>",
	Short: "Remove a dependency edge",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, ts, err := openTaskStore()
		if err != nil {
			return err
		}
		defer db.Close()
		return ts.RemoveDep(args[0], args[1])
	},
}

func init() {
	depCmd.AddCommand(depAddCmd, depRemoveCmd)
	rootCmd.AddCommand(depCmd)
}

var epicCmd = &cobra.Command{
	Use:   "epic",
	Short: "Epic-related queries",
}

var epicCloseEligibleCmd = &cobra.Command{
	Use:   "close-eligible",
	Short: "List epics whose children are all closed",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, ts, err := openTaskStore()
		if err != nil {
			return err
		}
		defer db.Close()
		ids, err := ts.CloseEligibleEpics()
		if err != nil {
			return err
		}
		return printJSON(ids)
	},
}

func init() {
	epicCmd.AddCommand(epicCloseEligibleCmd)
	rootCmd.AddCommand(epicCmd)
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
