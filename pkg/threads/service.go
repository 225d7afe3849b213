package threads

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-go-golems/asynclang/pkg/agent"
	"github.com/go-go-golems/asynclang/pkg/conversation"
	"github.com/go-go-golems/asynclang/pkg/events"
	"github.com/go-go-golems/asynclang/pkg/store"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultAgentTimeout = 2 * time.Minute
	DefaultQueueDepth   = 16

	// unconditional thread writes retry this often on version conflicts
	statusWriteAttempts = 5
	// task status writes outlive the worker context, bounded by this timeout
	statusWriteTimeout = 5 * time.Second

	interruptedTaskError = "interrupted before completion"
)

// Service is the thread orchestrator. It is the only component calling the
// agent: prompts are validated synchronously, then run on the per-thread
// queue, and the request/response pair is persisted in one transaction once
// the agent returned.
type Service struct {
	store        store.Store
	agent        agent.Agent
	codec        *agent.Codec
	queue        *Queue
	sink         events.EventSink
	metrics      *Metrics
	systemPrompt string
	agentTimeout time.Duration
	queueDepth   int
}

type Option func(*Service)

func WithEventSink(sink events.EventSink) Option {
	return func(s *Service) {
		s.sink = sink
	}
}

func WithMetrics(m *Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithSystemPrompt sets the system prompt. It is stored on the first request of
// a branch and replaces stored system prompts when history is sent to the agent.
func WithSystemPrompt(prompt string) Option {
	return func(s *Service) {
		s.systemPrompt = prompt
	}
}

func WithAgentTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.agentTimeout = d
	}
}

func WithQueueDepth(depth int) Option {
	return func(s *Service) {
		s.queueDepth = depth
	}
}

func NewService(st store.Store, a agent.Agent, options ...Option) *Service {
	s := &Service{
		store:        st,
		agent:        a,
		sink:         events.NewNullSink(),
		agentTimeout: DefaultAgentTimeout,
		queueDepth:   DefaultQueueDepth,
	}
	for _, o := range options {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	s.codec = agent.NewCodec(s.systemPrompt)
	s.queue = NewQueue(s.queueDepth, WithPendingObserver(func(delta int) {
		s.metrics.QueuedTasks.Add(float64(delta))
	}))
	return s
}

// Close stops accepting prompts and waits for running tasks.
func (s *Service) Close(ctx context.Context) error {
	return s.queue.Close(ctx)
}

func (s *Service) CreateThread(ctx context.Context, title string) (*conversation.Thread, error) {
	title, err := ValidateTitle(title)
	if err != nil {
		return nil, err
	}
	t, err := s.store.CreateThread(ctx, conversation.NewThread(title))
	if err != nil {
		return nil, err
	}
	log.Info().Str("thread_id", t.ID.String()).Str("title", t.Title).Msg("created thread")
	return t, nil
}

func (s *Service) ListThreads(ctx context.Context) ([]*conversation.Thread, error) {
	return s.store.ListThreads(ctx)
}

func (s *Service) GetThread(ctx context.Context, id conversation.ThreadID) (*conversation.Thread, error) {
	t, ok, err := s.store.GetThread(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, store.ErrThreadNotFound
	}
	return t, nil
}

// UpdateTitle renames a thread. A non-zero expectedVersion must match the
// stored version.
func (s *Service) UpdateTitle(ctx context.Context, id conversation.ThreadID, title string, expectedVersion uint64) (*conversation.Thread, error) {
	title, err := ValidateTitle(title)
	if err != nil {
		return nil, err
	}
	return s.updateThread(ctx, id, expectedVersion, func(t *conversation.Thread) {
		t.Title = title
	})
}

func (s *Service) DeleteThread(ctx context.Context, id conversation.ThreadID) error {
	deleted, err := s.store.DeleteThread(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return store.ErrThreadNotFound
	}
	log.Info().Str("thread_id", id.String()).Msg("deleted thread")
	return nil
}

func (s *Service) ListMessages(ctx context.Context, id conversation.ThreadID) ([]*conversation.Message, error) {
	return s.store.ListMessages(ctx, id)
}

// GetMessage returns a message of the given thread.
func (s *Service) GetMessage(ctx context.Context, threadID conversation.ThreadID, id conversation.NodeID) (*conversation.Message, error) {
	if _, err := s.GetThread(ctx, threadID); err != nil {
		return nil, err
	}
	m, ok, err := s.store.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok || m.ThreadID != threadID {
		return nil, store.ErrMessageNotFound
	}
	return m, nil
}

type PromptOptions struct {
	// ParentID branches from an existing message instead of the tail of the
	// active path.
	ParentID conversation.NodeID
}

// SubmitPrompt validates the prompt, resolves the branch it extends and
// schedules the agent call. The returned task can be waited on; HTTP callers
// poll the thread instead.
//
// The branch is fixed at submission: prompts submitted before an earlier one
// completes extend the same parent and end up as siblings.
func (s *Service) SubmitPrompt(ctx context.Context, threadID conversation.ThreadID, content string, opts PromptOptions) (*Task, error) {
	content, err := ValidateContent(content)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, threadID, content, opts)
}

// submit schedules an already validated prompt.
func (s *Service) submit(ctx context.Context, threadID conversation.ThreadID, content string, opts PromptOptions) (*Task, error) {
	thread, err := s.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}

	var managerOptions []conversation.ManagerOption
	if !opts.ParentID.IsNull() {
		parent, ok := thread.Tree().GetMessageByID(opts.ParentID)
		if !ok {
			return nil, errors.Wrapf(store.ErrMessageNotFound, "parent %s", opts.ParentID)
		}
		managerOptions = append(managerOptions, conversation.WithBranchPoint(parent.ID))
	}
	manager := conversation.NewThreadManager(thread, managerOptions...)
	path := manager.GetConversation()
	request := s.codec.NewPromptRequest(thread.ID, path, content, s.systemPrompt)

	task := newTask(thread.ID, content)
	// the worker holds off until the queued status is written so a late write
	// cannot overwrite a running or finished state
	queued := make(chan struct{})
	abandoned := false
	err = s.queue.Enqueue(thread.ID, func(ctx context.Context) {
		select {
		case <-queued:
			if abandoned {
				return
			}
		case <-ctx.Done():
		}
		s.runTask(ctx, task, manager, path, request)
	})
	if err != nil {
		return nil, err
	}
	if err := s.writeTaskStatus(ctx, thread.ID, task.Status()); err != nil {
		abandoned = true
		close(queued)
		return nil, err
	}

	log.Info().
		Str("thread_id", thread.ID.String()).
		Str("task_id", task.ID).
		Str("parent_id", path.TailID().String()).
		Int("path_length", len(path)).
		Msg("accepted prompt")
	s.publish(events.NewTaskEvent(events.EventTypeTaskQueued, thread.ID.String(), task.ID))
	close(queued)
	return task, nil
}

// Prompt submits a prompt and waits for its messages.
func (s *Service) Prompt(ctx context.Context, threadID conversation.ThreadID, content string, opts PromptOptions) ([]*conversation.Message, error) {
	task, err := s.SubmitPrompt(ctx, threadID, content, opts)
	if err != nil {
		return nil, err
	}
	return task.Wait(ctx)
}

// Notification is posted by external tool servers to a thread.
type Notification struct {
	MCPName string `json:"mcp_name"`
	Content string `json:"content"`
}

// SubmitNotification feeds a tool server notification to the agent as a
// prompt holding the JSON encoded notification. The limits apply to the
// fields; the JSON envelope does not count against MaxContentLength.
func (s *Service) SubmitNotification(ctx context.Context, threadID conversation.ThreadID, n Notification) (*Task, error) {
	name, err := ValidateMCPName(n.MCPName)
	if err != nil {
		return nil, err
	}
	content, err := ValidateContent(n.Content)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(Notification{MCPName: name, Content: content})
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, threadID, string(b), PromptOptions{})
}

func (s *Service) runTask(
	ctx context.Context,
	task *Task,
	manager *conversation.ManagerImpl,
	path conversation.Conversation,
	request *conversation.Message,
) {
	logger := log.With().
		Str("thread_id", task.ThreadID.String()).
		Str("task_id", task.ID).
		Logger()
	started := time.Now()

	status := task.setState(conversation.TaskStateRunning, nil)
	if err := s.recordTaskStatus(ctx, task.ThreadID, status); err != nil {
		logger.Warn().Err(err).Msg("could not record running task")
	}
	s.publish(events.NewTaskEvent(events.EventTypeTaskStarted, task.ThreadID.String(), task.ID))

	messages, err := s.execute(ctx, task, manager, path, request)

	defer task.release()
	status = task.finish(messages, err)
	if werr := s.recordTaskStatus(ctx, task.ThreadID, status); werr != nil {
		logger.Warn().Err(werr).Msg("could not record finished task")
	}

	ev := events.NewTaskEvent(events.EventTypeTaskSucceeded, task.ThreadID.String(), task.ID)
	ev.Duration = time.Since(started)
	if err != nil {
		ev.EventType = events.EventTypeTaskFailed
		ev.Error = err.Error()
		s.metrics.TasksTotal.WithLabelValues(string(conversation.TaskStateFailed)).Inc()
		logger.Error().Err(err).Dur("duration", ev.Duration).Msg("prompt task failed")
	} else {
		for _, m := range messages {
			ev.MessageIDs = append(ev.MessageIDs, m.ID.String())
		}
		s.metrics.TasksTotal.WithLabelValues(string(conversation.TaskStateSucceeded)).Inc()
		logger.Info().Dur("duration", ev.Duration).Int("messages", len(messages)).Msg("prompt task succeeded")
	}
	s.publish(ev)
}

// execute calls the agent and persists the request and response together.
// Nothing is written when any step fails.
func (s *Service) execute(
	ctx context.Context,
	task *Task,
	manager *conversation.ManagerImpl,
	path conversation.Conversation,
	request *conversation.Message,
) ([]*conversation.Message, error) {
	agentError := func(err error) error {
		return &AgentError{ThreadID: task.ThreadID, TaskID: task.ID, Cause: err}
	}

	history, err := s.codec.EncodeHistory(path)
	if err != nil {
		return nil, agentError(errors.Wrap(err, "encode history"))
	}

	agentCtx, cancel := context.WithTimeout(ctx, s.agentTimeout)
	defer cancel()
	agentStarted := time.Now()
	output, err := s.agent.Run(agentCtx, agent.Request{
		History:      history,
		Prompt:       task.Prompt,
		Instructions: s.systemPrompt,
	})
	s.metrics.AgentDuration.Observe(time.Since(agentStarted).Seconds())
	if ctxErr := agentCtx.Err(); ctxErr != nil {
		if err == nil {
			err = ctxErr
		} else if !errors.Is(err, ctxErr) {
			err = errors.Wrapf(ctxErr, "%v", err)
		}
	}
	if err != nil {
		return nil, agentError(err)
	}

	response, err := s.codec.DecodeResponse(task.ThreadID, request.ID, output)
	if err != nil {
		return nil, agentError(errors.Wrap(err, "decode agent output"))
	}

	manager.AppendMessages(request, response)
	pending := manager.Pending()
	if _, err := s.store.AppendMessages(ctx, task.ThreadID, pending, store.SaveOptions{}); err != nil {
		return nil, errors.Wrap(err, "persist messages")
	}
	return pending, nil
}

// writeTaskStatus records status on the thread.
func (s *Service) writeTaskStatus(ctx context.Context, threadID conversation.ThreadID, status conversation.TaskStatus) error {
	_, err := s.updateThread(ctx, threadID, 0, func(t *conversation.Thread) {
		st := status
		t.Task = &st
	})
	return err
}

// recordTaskStatus writes status from a worker. The write still happens when
// ctx was cancelled by a shutdown, so the thread never keeps a stale running
// state for a task that already failed.
func (s *Service) recordTaskStatus(ctx context.Context, threadID conversation.ThreadID, status conversation.TaskStatus) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()
	return s.writeTaskStatus(ctx, threadID, status)
}

// FailInterruptedTasks marks queued and running tasks left over by a previous
// process as failed. It must run before the service accepts prompts.
func (s *Service) FailInterruptedTasks(ctx context.Context) (int, error) {
	ts, err := s.store.ListThreads(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, t := range ts {
		if t.Task == nil || t.Task.State.Done() {
			continue
		}
		taskID := t.Task.ID
		_, err := s.updateThread(ctx, t.ID, 0, func(thread *conversation.Thread) {
			if thread.Task == nil || thread.Task.ID != taskID || thread.Task.State.Done() {
				return
			}
			thread.Task.State = conversation.TaskStateFailed
			thread.Task.Error = interruptedTaskError
			thread.Task.UpdatedAt = time.Now()
		})
		if errors.Is(err, store.ErrThreadNotFound) {
			continue
		}
		if err != nil {
			return count, errors.Wrapf(err, "could not fail task %s of thread %s", taskID, t.ID)
		}
		log.Warn().Str("thread_id", t.ID.String()).Str("task_id", taskID).Msg("marked interrupted task as failed")
		count++
	}
	return count, nil
}

// updateThread applies mutate to the stored thread. With expectedVersion 0 the
// write is retried on a freshly loaded thread when a concurrent write bumped
// the version; otherwise a mismatch is returned as a conflict.
func (s *Service) updateThread(
	ctx context.Context,
	id conversation.ThreadID,
	expectedVersion uint64,
	mutate func(*conversation.Thread),
) (*conversation.Thread, error) {
	var err error
	for attempt := 0; attempt < statusWriteAttempts; attempt++ {
		var thread *conversation.Thread
		thread, err = s.GetThread(ctx, id)
		if err != nil {
			return nil, err
		}
		expected := expectedVersion
		if expected == 0 {
			expected = thread.Version
		}
		mutate(thread)
		var updated *conversation.Thread
		updated, err = s.store.UpdateThread(ctx, thread, store.SaveOptions{ExpectedVersion: expected})
		if err == nil {
			return updated, nil
		}
		if expectedVersion != 0 || !errors.Is(err, store.ErrVersionConflict) {
			return nil, err
		}
	}
	return nil, err
}

func (s *Service) publish(ev *events.TaskEvent) {
	if err := s.sink.PublishEvent(ev); err != nil {
		log.Warn().Err(err).Str("event", string(ev.EventType)).Msg("could not publish task event")
	}
}
