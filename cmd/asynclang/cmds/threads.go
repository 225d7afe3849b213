package cmds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-go-golems/asynclang/pkg/config"
	"github.com/go-go-golems/asynclang/pkg/conversation"
	"github.com/go-go-golems/asynclang/pkg/threads"
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// settingsLoader returns the settings a command opens the app with.
type settingsLoader func() (*config.Settings, error)

func loadSettings() (*config.Settings, error) {
	return config.Load(viper.GetViper())
}

func withApp(ctx context.Context, load settingsLoader, f func(app *App) error) error {
	s, err := load()
	if err != nil {
		return err
	}
	app, err := NewApp(s, false)
	if err != nil {
		return err
	}
	err = f(app)
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if cerr := app.Close(closeCtx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func threadIDArgument() *parameters.ParameterDefinition {
	return parameters.NewParameterDefinition(
		"thread-id",
		parameters.ParameterTypeString,
		parameters.WithHelp("Thread id"),
		parameters.WithRequired(true),
	)
}

func NewThreadsCommand() (*cobra.Command, error) {
	threadsCmd := &cobra.Command{
		Use:   "threads",
		Short: "Inspect and edit stored threads",
	}

	listCmd, err := NewListThreadsCommand()
	if err != nil {
		return nil, err
	}
	showCmd, err := NewShowThreadCommand()
	if err != nil {
		return nil, err
	}
	for _, c := range []cmds.GlazeCommand{listCmd, showCmd} {
		cobraCmd, err := cli.BuildCobraCommandFromGlazeCommand(c)
		if err != nil {
			return nil, err
		}
		threadsCmd.AddCommand(cobraCmd)
	}

	createCmd, err := NewCreateThreadCommand()
	if err != nil {
		return nil, err
	}
	exportCmd, err := NewExportThreadCommand()
	if err != nil {
		return nil, err
	}
	promptCmd, err := NewPromptCommand()
	if err != nil {
		return nil, err
	}
	for _, c := range []cmds.WriterCommand{createCmd, exportCmd, promptCmd} {
		cobraCmd, err := cli.BuildCobraCommandFromWriterCommand(c)
		if err != nil {
			return nil, err
		}
		threadsCmd.AddCommand(cobraCmd)
	}

	deleteCmd, err := NewDeleteThreadCommand()
	if err != nil {
		return nil, err
	}
	cobraDeleteCmd, err := cli.BuildCobraCommandFromBareCommand(deleteCmd)
	if err != nil {
		return nil, err
	}
	threadsCmd.AddCommand(cobraDeleteCmd)

	return threadsCmd, nil
}

type ListThreadsCommand struct {
	*cmds.CommandDescription
	load settingsLoader
}

var _ cmds.GlazeCommand = (*ListThreadsCommand)(nil)

func NewListThreadsCommand() (*ListThreadsCommand, error) {
	glazedLayer, err := settings.NewGlazedParameterLayers()
	if err != nil {
		return nil, err
	}
	return &ListThreadsCommand{
		CommandDescription: cmds.NewCommandDescription(
			"list",
			cmds.WithShort("List threads, most recently updated first"),
			cmds.WithLayersList(glazedLayer),
		),
		load: loadSettings,
	}, nil
}

func (c *ListThreadsCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *layers.ParsedLayers,
	gp middlewares.Processor,
) error {
	return withApp(ctx, c.load, func(app *App) error {
		ts, err := app.Service.ListThreads(ctx)
		if err != nil {
			return err
		}
		for _, t := range ts {
			if err := gp.AddRow(ctx, threadRow(t)); err != nil {
				return err
			}
		}
		return nil
	})
}

func threadRow(t *conversation.Thread) types.Row {
	state := ""
	if t.Task != nil {
		state = string(t.Task.State)
	}
	return types.NewRow(
		types.MRP("id", t.ID.String()),
		types.MRP("title", t.Title),
		types.MRP("updated_at", t.UpdatedAt.Format(time.RFC3339)),
		types.MRP("task_state", state),
		types.MRP("version", t.Version),
	)
}

type ShowThreadSettings struct {
	ThreadID string `glazed.parameter:"thread-id"`
	All      bool   `glazed.parameter:"all"`
}

type ShowThreadCommand struct {
	*cmds.CommandDescription
	load settingsLoader
}

var _ cmds.GlazeCommand = (*ShowThreadCommand)(nil)

func NewShowThreadCommand() (*ShowThreadCommand, error) {
	glazedLayer, err := settings.NewGlazedParameterLayers()
	if err != nil {
		return nil, err
	}
	return &ShowThreadCommand{
		CommandDescription: cmds.NewCommandDescription(
			"show",
			cmds.WithShort("Print the active path of a thread, one row per part"),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"all",
					parameters.ParameterTypeBool,
					parameters.WithHelp("Print every stored message instead of the active path"),
					parameters.WithDefault(false),
				),
			),
			cmds.WithArguments(threadIDArgument()),
			cmds.WithLayersList(glazedLayer),
		),
		load: loadSettings,
	}, nil
}

func (c *ShowThreadCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *layers.ParsedLayers,
	gp middlewares.Processor,
) error {
	s := &ShowThreadSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, s); err != nil {
		return err
	}
	id, err := conversation.ParseThreadID(s.ThreadID)
	if err != nil {
		return err
	}
	return withApp(ctx, c.load, func(app *App) error {
		t, err := app.Service.GetThread(ctx, id)
		if err != nil {
			return err
		}
		return addDisplayRows(ctx, gp, t, s.All)
	})
}

// addDisplayRows emits one row per part of the active path of t, or of every
// message with all.
func addDisplayRows(ctx context.Context, gp middlewares.Processor, t *conversation.Thread, all bool) error {
	msgs := t.ActivePath()
	if all {
		msgs = conversation.Conversation(t.Messages)
	}
	display, err := msgs.Display()
	if err != nil {
		return err
	}
	for _, d := range display {
		parentID := ""
		if !d.ParentID.IsNull() {
			parentID = d.ParentID.String()
		}
		row := types.NewRow(
			types.MRP("message_id", d.MessageID.String()),
			types.MRP("parent_id", parentID),
			types.MRP("created_at", d.CreatedAt.Format(time.RFC3339Nano)),
			types.MRP("role", string(d.Role)),
			types.MRP("content", d.Content),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

// threadExport is the document written by threads export.
type threadExport struct {
	Thread     *conversation.Thread          `json:"thread" yaml:"thread"`
	ActivePath []conversation.DisplayMessage `json:"active_path" yaml:"active_path"`
}

func writeThreadExport(w io.Writer, format string, t *conversation.Thread) error {
	display, err := t.ActivePath().Display()
	if err != nil {
		return err
	}
	doc := threadExport{Thread: t, ActivePath: display}

	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	default:
		return errors.Errorf("unknown export format %q", format)
	}
}

type ExportThreadSettings struct {
	ThreadID string `glazed.parameter:"thread-id"`
	Format   string `glazed.parameter:"format"`
}

type ExportThreadCommand struct {
	*cmds.CommandDescription
	load settingsLoader
}

var _ cmds.WriterCommand = (*ExportThreadCommand)(nil)

func NewExportThreadCommand() (*ExportThreadCommand, error) {
	return &ExportThreadCommand{
		CommandDescription: cmds.NewCommandDescription(
			"export",
			cmds.WithShort("Write a thread with its task status, messages and active path"),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"format",
					parameters.ParameterTypeChoice,
					parameters.WithHelp("Document format"),
					parameters.WithChoices("yaml", "json"),
					parameters.WithDefault("yaml"),
				),
			),
			cmds.WithArguments(threadIDArgument()),
		),
		load: loadSettings,
	}, nil
}

func (c *ExportThreadCommand) RunIntoWriter(ctx context.Context, parsedLayers *layers.ParsedLayers, w io.Writer) error {
	s := &ExportThreadSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, s); err != nil {
		return err
	}
	id, err := conversation.ParseThreadID(s.ThreadID)
	if err != nil {
		return err
	}
	return withApp(ctx, c.load, func(app *App) error {
		t, err := app.Service.GetThread(ctx, id)
		if err != nil {
			return err
		}
		return writeThreadExport(w, s.Format, t)
	})
}

type CreateThreadSettings struct {
	Title string `glazed.parameter:"title"`
}

type CreateThreadCommand struct {
	*cmds.CommandDescription
	load settingsLoader
}

var _ cmds.WriterCommand = (*CreateThreadCommand)(nil)

func NewCreateThreadCommand() (*CreateThreadCommand, error) {
	return &CreateThreadCommand{
		CommandDescription: cmds.NewCommandDescription(
			"create",
			cmds.WithShort("Create an empty thread and print its id"),
			cmds.WithArguments(
				parameters.NewParameterDefinition(
					"title",
					parameters.ParameterTypeString,
					parameters.WithHelp("Thread title"),
					parameters.WithRequired(true),
				),
			),
		),
		load: loadSettings,
	}, nil
}

func (c *CreateThreadCommand) RunIntoWriter(ctx context.Context, parsedLayers *layers.ParsedLayers, w io.Writer) error {
	s := &CreateThreadSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, s); err != nil {
		return err
	}
	return withApp(ctx, c.load, func(app *App) error {
		t, err := app.Service.CreateThread(ctx, s.Title)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, t.ID)
		return err
	})
}

type DeleteThreadSettings struct {
	ThreadID string `glazed.parameter:"thread-id"`
}

type DeleteThreadCommand struct {
	*cmds.CommandDescription
	load settingsLoader
}

var _ cmds.BareCommand = (*DeleteThreadCommand)(nil)

func NewDeleteThreadCommand() (*DeleteThreadCommand, error) {
	return &DeleteThreadCommand{
		CommandDescription: cmds.NewCommandDescription(
			"delete",
			cmds.WithShort("Delete a thread and all of its messages"),
			cmds.WithArguments(threadIDArgument()),
		),
		load: loadSettings,
	}, nil
}

func (c *DeleteThreadCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	s := &DeleteThreadSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, s); err != nil {
		return err
	}
	id, err := conversation.ParseThreadID(s.ThreadID)
	if err != nil {
		return err
	}
	return withApp(ctx, c.load, func(app *App) error {
		return app.Service.DeleteThread(ctx, id)
	})
}

type PromptSettings struct {
	ThreadID string `glazed.parameter:"thread-id"`
	Content  string `glazed.parameter:"content"`
	Parent   string `glazed.parameter:"parent"`
}

type PromptCommand struct {
	*cmds.CommandDescription
	load settingsLoader
}

var _ cmds.WriterCommand = (*PromptCommand)(nil)

func NewPromptCommand() (*PromptCommand, error) {
	return &PromptCommand{
		CommandDescription: cmds.NewCommandDescription(
			"prompt",
			cmds.WithShort("Send a prompt to a thread and print the reply"),
			cmds.WithLong("Send a prompt to a thread and wait for the agent. Pass - as content to read it from stdin."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"parent",
					parameters.ParameterTypeString,
					parameters.WithHelp("Branch from this message instead of the latest one"),
					parameters.WithDefault(""),
				),
			),
			cmds.WithArguments(
				threadIDArgument(),
				parameters.NewParameterDefinition(
					"content",
					parameters.ParameterTypeString,
					parameters.WithHelp("Prompt text, or - for stdin"),
					parameters.WithRequired(true),
				),
			),
		),
		load: loadSettings,
	}, nil
}

func (c *PromptCommand) RunIntoWriter(ctx context.Context, parsedLayers *layers.ParsedLayers, w io.Writer) error {
	s := &PromptSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, s); err != nil {
		return err
	}
	id, err := conversation.ParseThreadID(s.ThreadID)
	if err != nil {
		return err
	}
	opts := threads.PromptOptions{}
	if s.Parent != "" {
		opts.ParentID, err = conversation.ParseNodeID(s.Parent)
		if err != nil {
			return err
		}
	}
	content := s.Content
	if content == "-" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		content = string(b)
	}
	return withApp(ctx, c.load, func(app *App) error {
		return runPrompt(ctx, app, w, id, content, opts)
	})
}

// runPrompt waits for the reply and prints its parts.
func runPrompt(
	ctx context.Context,
	app *App,
	w io.Writer,
	id conversation.ThreadID,
	content string,
	opts threads.PromptOptions,
) error {
	msgs, err := app.Service.Prompt(ctx, id, content, opts)
	if err != nil {
		return err
	}
	display, err := conversation.Conversation(msgs[1:]).Display()
	if err != nil {
		return err
	}
	for _, d := range display {
		if _, err := fmt.Fprintf(w, "[%s] %s\n", d.Role, d.Content); err != nil {
			return err
		}
	}
	return nil
}
