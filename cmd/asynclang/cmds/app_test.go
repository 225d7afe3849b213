package cmds

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-go-golems/asynclang/pkg/config"
	"github.com/go-go-golems/asynclang/pkg/conversation"
	"github.com/go-go-golems/asynclang/pkg/threads"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func testSettings(t *testing.T, backend string) *config.Settings {
	t.Helper()
	s := &config.Settings{
		Store:        backend,
		Agent:        config.AgentEcho,
		AgentTimeout: time.Second,
		QueueDepth:   4,
	}
	switch backend {
	case config.StoreSQLite:
		s.StorePath = filepath.Join(t.TempDir(), "threads.db")
	case config.StorePebble:
		s.StorePath = filepath.Join(t.TempDir(), "threads")
	}
	require.NoError(t, s.Validate())
	return s
}

func TestAppPromptOnEveryBackend(t *testing.T) {
	for _, backend := range []string{config.StoreMemory, config.StoreSQLite, config.StorePebble} {
		t.Run(backend, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			app, err := NewApp(testSettings(t, backend), false)
			require.NoError(t, err)
			defer func() {
				require.NoError(t, app.Close(ctx))
			}()

			th, err := app.Service.CreateThread(ctx, "T1")
			require.NoError(t, err)
			msgs, err := app.Service.Prompt(ctx, th.ID, "Hello", threads.PromptOptions{})
			require.NoError(t, err)
			require.Len(t, msgs, 2)

			stored, err := app.Service.ListMessages(ctx, th.ID)
			require.NoError(t, err)
			require.Len(t, stored, 2)
			require.Equal(t, stored[0].ID, stored[1].ParentID)
		})
	}
}

func TestNewAppRejectsUnknownBackends(t *testing.T) {
	s := testSettings(t, config.StoreMemory)
	s.Store = "mongo"
	_, err := NewApp(s, false)
	require.Error(t, err)

	s = testSettings(t, config.StoreMemory)
	s.Agent = config.AgentOpenAI
	_, err = NewApp(s, false)
	require.Error(t, err)
}

type rowCollector struct {
	rows []types.Row
}

func (r *rowCollector) AddRow(_ context.Context, row types.Row) error {
	r.rows = append(r.rows, row)
	return nil
}

func (r *rowCollector) Close(context.Context) error {
	return nil
}

func rowValue(t *testing.T, row types.Row, field string) interface{} {
	t.Helper()
	v, ok := row.Get(field)
	require.True(t, ok, field)
	return v
}

func TestThreadCommandsOnSQLite(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s := testSettings(t, config.StoreSQLite)
	load := func() (*config.Settings, error) {
		return s, nil
	}

	var th *conversation.Thread
	var out bytes.Buffer
	require.NoError(t, withApp(ctx, load, func(app *App) error {
		var err error
		th, err = app.Service.CreateThread(ctx, "T1")
		if err != nil {
			return err
		}
		return runPrompt(ctx, app, &out, th.ID, "Hello", threads.PromptOptions{})
	}))
	require.Equal(t, "[assistant] Hello\n", out.String())

	list, err := NewListThreadsCommand()
	require.NoError(t, err)
	list.load = load
	rows := &rowCollector{}
	require.NoError(t, list.RunIntoGlazeProcessor(ctx, layers.NewParsedLayers(), rows))
	require.Len(t, rows.rows, 1)
	require.Equal(t, th.ID.String(), rowValue(t, rows.rows[0], "id"))
	require.Equal(t, "T1", rowValue(t, rows.rows[0], "title"))
	require.Equal(t, string(conversation.TaskStateSucceeded), rowValue(t, rows.rows[0], "task_state"))

	require.NoError(t, withApp(ctx, load, func(app *App) error {
		loaded, err := app.Service.GetThread(ctx, th.ID)
		if err != nil {
			return err
		}
		rows = &rowCollector{}
		return addDisplayRows(ctx, rows, loaded, false)
	}))
	require.Len(t, rows.rows, 2)
	require.Equal(t, "user", rowValue(t, rows.rows[0], "role"))
	require.Equal(t, "", rowValue(t, rows.rows[0], "parent_id"))
	require.Equal(t, "assistant", rowValue(t, rows.rows[1], "role"))
	require.Equal(t, rowValue(t, rows.rows[0], "message_id"), rowValue(t, rows.rows[1], "parent_id"))
	require.Equal(t, "Hello", rowValue(t, rows.rows[1], "content"))
}

func TestShowAllRowsIncludeSiblings(t *testing.T) {
	th := conversation.NewThread("branches")
	root := conversation.NewRequest(th.ID, []conversation.Part{conversation.NewUserPromptPart("root")})
	th.AppendMessage(root)
	a := conversation.NewRequest(th.ID, []conversation.Part{conversation.NewUserPromptPart("a")})
	a.ParentID = root.ID
	th.AppendMessage(a)
	b := conversation.NewRequest(th.ID, []conversation.Part{conversation.NewUserPromptPart("b")})
	b.ParentID = root.ID
	b.CreatedAt = a.CreatedAt.Add(time.Second)
	th.AppendMessage(b)

	ctx := context.Background()
	rows := &rowCollector{}
	require.NoError(t, addDisplayRows(ctx, rows, th, false))
	require.Len(t, rows.rows, 2)
	require.Equal(t, "b", rowValue(t, rows.rows[1], "content"))

	rows = &rowCollector{}
	require.NoError(t, addDisplayRows(ctx, rows, th, true))
	require.Len(t, rows.rows, 3)
}

func TestThreadExportYAML(t *testing.T) {
	th := conversation.NewThread("export")
	th.AppendMessage(conversation.NewRequest(th.ID, []conversation.Part{conversation.NewUserPromptPart("Hello")}))

	var buf bytes.Buffer
	require.NoError(t, writeThreadExport(&buf, "yaml", th))

	var doc map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &doc))
	require.Contains(t, doc, "thread")
	require.Contains(t, doc, "active_path")
	require.Contains(t, buf.String(), "Hello")

	buf.Reset()
	require.NoError(t, writeThreadExport(&buf, "json", th))
	require.Contains(t, buf.String(), `"active_path"`)

	require.Error(t, writeThreadExport(&buf, "xml", th))
}
