// Package runner implements the session state machine: clone/worktree
// setup, snapshotting, driving the agent provider, and translating agent
// activity into persisted, fanned-out session events.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	agent "github.com/sessionforge/sessionforge/internal/agentprovider"
	"github.com/sessionforge/sessionforge/internal/db"
	"github.com/sessionforge/sessionforge/internal/errs"
	"github.com/sessionforge/sessionforge/internal/eventbus"
	gitutil "github.com/sessionforge/sessionforge/internal/gitrt"
	"github.com/sessionforge/sessionforge/internal/id"
	"github.com/sessionforge/sessionforge/internal/metrics"
	"github.com/sessionforge/sessionforge/internal/msgcodec"
	"github.com/sessionforge/sessionforge/internal/timeout"
)

// AgentProvider is the subset of internal/agentprovider.Provider the runner
// depends on, so tests can substitute a fake instead of spawning a real
// agent subprocess.
type AgentProvider interface {
	Run(ctx context.Context, opts agent.RunOptions, onEvent agent.OnEvent) error
	SendMessage(sessionID, message string) error
	Stop(sessionID string)
	Abort(sessionID string)
	IsRunning(sessionID string) bool
}

// Runner drives the session state machine for every ref it's asked to
// start. One Runner is shared by the whole process.
type Runner struct {
	db       *db.Queries
	bus      *eventbus.Bus
	provider AgentProvider
	dataDir  string
	timeouts *timeout.Config

	defaultSSHKeyPath string

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates a Runner. defaultSSHKeyPath is used when an identity carries
// no ssh_key_ref of its own.
func New(q *db.Queries, bus *eventbus.Bus, provider AgentProvider, dataDir string, timeouts *timeout.Config, defaultSSHKeyPath string) *Runner {
	return &Runner{
		db:                q,
		bus:               bus,
		provider:          provider,
		dataDir:           dataDir,
		timeouts:          timeouts,
		defaultSSHKeyPath: defaultSSHKeyPath,
		cancels:           make(map[string]context.CancelFunc),
	}
}

func (r *Runner) worktreePath(ref Ref) string {
	return filepath.Join(r.dataDir, "worktrees", ref.UserID, ref.RepoID, ref.SessionID)
}

func (r *Runner) bareRepoPath(repoID string) string {
	return filepath.Join(r.dataDir, "repos", repoID+".git")
}

// resolveSSHKey reads the key material an identity's ssh_key_ref points at.
// An empty ref falls back to the runner's default identity, and an empty
// result means "use the system's own SSH agent/identity".
func (r *Runner) resolveSSHKey(identity db.Identity) (string, error) {
	path := identity.SSHKeyRef
	if path == "" {
		path = r.defaultSSHKeyPath
	}
	if path == "" {
		return "", nil
	}
	key, err := os.ReadFile(path)
	if err != nil {
		return "", errs.Wrap(errs.KindGitClone, "read ssh key", err)
	}
	return string(key), nil
}

func (r *Runner) setCancel(refKey string, cancel context.CancelFunc) {
	r.mu.Lock()
	r.cancels[refKey] = cancel
	r.mu.Unlock()
}

func (r *Runner) clearCancel(refKey string) {
	r.mu.Lock()
	delete(r.cancels, refKey)
	r.mu.Unlock()
}

func (r *Runner) cancelOf(refKey string) (context.CancelFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cancels[refKey]
	return c, ok
}

func eventJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{}`)
	}
	return b
}

// StartSession kicks off startSession(ref) in the background; the caller
// does not block on clone/agent completion. Any error during the protocol
// becomes a session:error event and a failed status instead of a returned
// error.
func (r *Runner) StartSession(ref Ref, prompt string) {
	ctx, cancel := context.WithCancel(context.Background())
	r.setCancel(ref.Key(), cancel)
	go r.startSession(ctx, ref, prompt)
}

func (r *Runner) startSession(ctx context.Context, ref Ref, prompt string) {
	refKey := ref.Key()
	defer r.clearCancel(refKey)

	fail := func(err error) {
		_ = r.db.UpdateSessionStatus(ctx, db.UpdateSessionStatusParams{RefKey: refKey, Status: "failed", Error: err.Error()})
		r.emit(ctx, refKey, "session:error", map[string]string{"error": err.Error()}, "")
		r.emit(ctx, refKey, "session:status", map[string]string{"status": "failed"}, "")
	}

	sess, err := r.db.GetSessionByRefKey(ctx, refKey)
	if err != nil {
		fail(fmt.Errorf("load session: %w", err))
		return
	}

	r.bus.RegisterSession(refKey, sess.UserID)
	r.emit(ctx, refKey, "session:status", map[string]string{"status": "cloning"}, "")

	identity, err := r.db.GetOwnedIdentity(ctx, db.GetOwnedIdentityParams{ID: sess.IdentityID, UserID: sess.UserID})
	if err != nil {
		fail(fmt.Errorf("load identity: %w", err))
		return
	}
	sshKey, err := r.resolveSSHKey(identity)
	if err != nil {
		fail(err)
		return
	}

	cloneCtx, cloneCancel := context.WithTimeout(ctx, r.timeouts.WorktreeCreateTimeout())
	defer cloneCancel()

	bareDir := r.bareRepoPath(sess.RepoID)
	opts := gitutil.CloneOptions{RemoteURL: sess.RepoURL, SSHKey: sshKey}
	if err := gitutil.EnsureBareClone(cloneCtx, bareDir, opts); err != nil {
		fail(err)
		return
	}
	if err := gitutil.Fetch(cloneCtx, bareDir, opts); err != nil {
		fail(err)
		return
	}

	wtPath := r.worktreePath(ref)
	// A bare clone mirrors the remote's branches directly into refs/heads,
	// not into refs/remotes/origin/*, so the branch itself is the start point.
	if err := gitutil.CreateWorktree(bareDir, wtPath, sess.Branch, sess.Branch); err != nil {
		fail(errs.Wrap(errs.KindGitWorktree, "create worktree", err))
		return
	}

	if err := r.db.SetSessionWorktreePath(ctx, refKey, wtPath); err != nil {
		fail(err)
		return
	}
	if err := r.db.UpdateSessionStatus(ctx, db.UpdateSessionStatusParams{RefKey: refKey, Status: "running"}); err != nil {
		fail(err)
		return
	}
	r.emit(ctx, refKey, "session:status", map[string]string{"status": "running"}, "")

	if _, err := r.snapshot(ctx, refKey, wtPath, "user", prompt); err != nil {
		fail(err)
		return
	}

	r.runAgentLoop(ctx, ref, prompt, wtPath, false)
}

// snapshot takes a pre-turn snapshot per §4.7.1: commit if dirty, else use
// HEAD. It records the sha on a new user Message and emits user:message
// then, if a sha exists, session:snapshot.
func (r *Runner) snapshot(ctx context.Context, refKey, worktreePath, role, content string) (string, error) {
	clean, err := gitutil.IsWorktreeClean(worktreePath)
	var sha string
	if err == nil && clean {
		sha, err = gitutil.GetHead(ctx, worktreePath)
		if err != nil {
			return "", err
		}
	} else {
		sha, err = gitutil.Commit(ctx, worktreePath, "[snapshot] pre-agent", "session runner", "session-runner@sessionforge.local")
		if err != nil {
			return "", err
		}
	}

	msgID := id.Generate()
	if err := r.storeMessage(ctx, msgID, refKey, role, content, sha); err != nil {
		return "", err
	}

	r.emit(ctx, refKey, "user:message", map[string]string{"message": content}, msgID)
	if sha != "" {
		r.emit(ctx, refKey, "session:snapshot", map[string]string{"messageId": msgID, "commitSha": sha}, msgID)
	}
	return msgID, nil
}

// storeMessage compresses content before persisting, matching the teacher's
// compress-on-write pattern for message/event bodies.
func (r *Runner) storeMessage(ctx context.Context, msgID, refKey, role, content, commitSha string) error {
	compressed, kind := msgcodec.Compress([]byte(content))
	return r.db.CreateMessage(ctx, db.CreateMessageParams{
		ID:                 msgID,
		RefKey:             refKey,
		Role:               role,
		Content:            string(compressed),
		ContentCompression: string(kind),
		CommitSha:          commitSha,
	})
}

// loadMessages returns every message for refKey with Content decompressed.
func (r *Runner) loadMessages(ctx context.Context, refKey string) ([]db.Message, error) {
	msgs, err := r.db.ListMessagesBySession(ctx, refKey)
	if err != nil {
		return nil, err
	}
	for i, m := range msgs {
		raw, err := msgcodec.Decompress([]byte(m.Content), msgcodec.Compression(m.ContentCompression))
		if err != nil {
			return nil, fmt.Errorf("decompress message %s: %w", m.ID, err)
		}
		msgs[i].Content = string(raw)
	}
	return msgs, nil
}

// runAgentLoop drives a single provider.Run call and maps its events onto
// session events and status writes. SendMessage starts a new loop only
// when the provider reports no live run for the ref; StartSession does not
// check.
func (r *Runner) runAgentLoop(ctx context.Context, ref Ref, prompt, worktreePath string, resume bool) {
	refKey := ref.Key()
	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()

	providerSessionID := ProviderSessionID(ref)

	onEvent := func(ev agent.Event) {
		r.handleAgentEvent(ctx, refKey, ev)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeouts.AgentStartupTimeout())
	defer cancel()

	runErr := r.provider.Run(runCtx, agent.RunOptions{
		SessionID: providerSessionID,
		Prompt:    prompt,
		Cwd:       worktreePath,
		Resume:    resume,
	}, onEvent)

	if runErr != nil && runErr != context.Canceled {
		_ = r.db.UpdateSessionStatus(ctx, db.UpdateSessionStatusParams{RefKey: refKey, Status: "failed", Error: runErr.Error()})
		r.emit(ctx, refKey, "session:error", map[string]string{"error": runErr.Error()}, "")
		r.emit(ctx, refKey, "session:status", map[string]string{"status": "failed"}, "")
		return
	}

	sess, err := r.db.GetSessionByRefKey(ctx, refKey)
	if err == nil && sess.Status == "running" {
		_ = r.db.UpdateSessionStatus(ctx, db.UpdateSessionStatusParams{RefKey: refKey, Status: "completed"})
		r.emit(ctx, refKey, "session:status", map[string]string{"status": "completed"}, "")
	}
}

func (r *Runner) handleAgentEvent(ctx context.Context, refKey string, ev agent.Event) {
	switch ev.Kind {
	case agent.EventMessage:
		r.emit(ctx, refKey, "agent:output", map[string]string{"text": ev.Text, "role": ev.Role}, "")
	case agent.EventToolUse:
		r.emit(ctx, refKey, "agent:tool_use", map[string]any{"tool": ev.Tool, "input": ev.ToolInput}, "")
	case agent.EventToolResult:
		r.emit(ctx, refKey, "agent:tool_result", map[string]string{"tool": ev.Tool, "output": ev.ToolOutput}, "")
	case agent.EventWaitingForInput:
		_ = r.db.UpdateSessionStatus(ctx, db.UpdateSessionStatusParams{RefKey: refKey, Status: "waiting_for_input"})
		r.emit(ctx, refKey, "session:waiting_for_input", map[string]string{"prompt": ev.Text}, "")
	case agent.EventCompleted:
		_ = r.db.UpdateSessionStatus(ctx, db.UpdateSessionStatusParams{RefKey: refKey, Status: "idle"})
		r.emit(ctx, refKey, "session:completed", map[string]string{"summary": ev.Summary}, "")
		r.emit(ctx, refKey, "session:status", map[string]string{"status": "idle"}, "")
		_ = r.storeMessage(ctx, id.Generate(), refKey, "assistant", ev.Summary, "")
	case agent.EventError:
		_ = r.db.UpdateSessionStatus(ctx, db.UpdateSessionStatusParams{RefKey: refKey, Status: "failed", Error: ev.Text})
		r.emit(ctx, refKey, "session:error", map[string]string{"error": ev.Text}, "")
	}
}

// SendMessage implements sendSessionMessage(ref, message).
func (r *Runner) SendMessage(ctx context.Context, ref Ref, message string) error {
	refKey := ref.Key()
	sess, err := r.db.GetSessionByRefKey(ctx, refKey)
	if err != nil {
		return err
	}

	if _, err := r.snapshot(ctx, refKey, sess.WorktreePath, "user", message); err != nil {
		return err
	}
	if err := r.db.UpdateSessionStatus(ctx, db.UpdateSessionStatusParams{RefKey: refKey, Status: "running"}); err != nil {
		return err
	}
	r.emit(ctx, refKey, "session:status", map[string]string{"status": "running"}, "")

	providerSessionID := ProviderSessionID(ref)
	if r.provider.IsRunning(providerSessionID) {
		return r.provider.SendMessage(providerSessionID, message)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.setCancel(refKey, cancel)

	if sess.Status == "reverted" {
		history, err := r.formatHistory(ctx, refKey)
		if err != nil {
			cancel()
			r.clearCancel(refKey)
			return err
		}
		prompt := message
		if history != "" {
			prompt = history + "\n" + message
		}
		go func() {
			defer r.clearCancel(refKey)
			r.runAgentLoop(runCtx, ref, prompt, sess.WorktreePath, false)
		}()
		return nil
	}

	go func() {
		defer r.clearCancel(refKey)
		r.runAgentLoop(runCtx, ref, message, sess.WorktreePath, true)
	}()
	return nil
}

// formatHistory renders every message in the session so far as
// "[role]: content" blocks, for priming a fresh (non-resumed) run after a
// revert desynced the provider's own conversation state.
func (r *Runner) formatHistory(ctx context.Context, refKey string) (string, error) {
	msgs, err := r.loadMessages(ctx, refKey)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%s]: %s", m.Role, m.Content)
	}
	return b.String(), nil
}

// Interrupt implements interruptSession(ref).
func (r *Runner) Interrupt(ctx context.Context, ref Ref) error {
	refKey := ref.Key()
	r.provider.Abort(ProviderSessionID(ref))
	if cancel, ok := r.cancelOf(refKey); ok {
		cancel()
	}
	if err := r.db.UpdateSessionStatus(ctx, db.UpdateSessionStatusParams{RefKey: refKey, Status: "idle"}); err != nil {
		return err
	}
	r.emit(ctx, refKey, "session:status", map[string]string{"status": "idle"}, "")
	return nil
}

// Stop implements stopSession(ref).
func (r *Runner) Stop(ctx context.Context, ref Ref) error {
	refKey := ref.Key()
	r.provider.Stop(ProviderSessionID(ref))
	if cancel, ok := r.cancelOf(refKey); ok {
		cancel()
	}
	if err := r.db.UpdateSessionStatus(ctx, db.UpdateSessionStatusParams{RefKey: refKey, Status: "completed"}); err != nil {
		return err
	}
	r.emit(ctx, refKey, "session:status", map[string]string{"status": "completed"}, "")
	return nil
}

// RemoveWorktree implements removeWorktree(bareRepoPath, worktreePath):
// force-removes the session's worktree, if one was ever created. Safe to
// call on a session that never got past cloning.
func (r *Runner) RemoveWorktree(ctx context.Context, ref Ref) error {
	worktreePath := r.worktreePath(ref)
	if _, err := os.Stat(worktreePath); os.IsNotExist(err) {
		return nil
	}
	deleteCtx, cancel := context.WithTimeout(ctx, r.timeouts.WorktreeDeleteTimeout())
	defer cancel()
	return gitutil.RemoveWorktree(deleteCtx, r.bareRepoPath(ref.RepoID), worktreePath)
}

// Revert implements revertSession(ref, messageId).
func (r *Runner) Revert(ctx context.Context, ref Ref, messageID string) error {
	refKey := ref.Key()

	target, err := r.db.GetMessageByID(ctx, messageID)
	if err != nil {
		return err
	}
	if target.CommitSha == "" {
		return errs.New(errs.KindValidation, "message has no snapshot to revert to")
	}

	sess, err := r.db.GetSessionByRefKey(ctx, refKey)
	if err != nil {
		return err
	}

	r.provider.Abort(ProviderSessionID(ref))
	if cancel, ok := r.cancelOf(refKey); ok {
		cancel()
	}

	if err := gitutil.ResetHard(ctx, sess.WorktreePath, target.CommitSha); err != nil {
		return err
	}

	snapshotEvent, err := r.db.FindSnapshotEventForMessage(ctx, refKey, messageID)
	if err != nil {
		return err
	}
	boundary, err := r.db.FindPrecedingUserMessageEvent(ctx, refKey, snapshotEvent.Sequence)
	if err != nil {
		return err
	}
	if err := r.db.DeleteEventsFromSequence(ctx, refKey, boundary.Sequence); err != nil {
		return err
	}

	if err := r.db.DeleteMessagesAfter(ctx, refKey, messageID); err != nil {
		return err
	}
	if err := r.db.DeleteMessage(ctx, messageID); err != nil {
		return err
	}

	if err := r.db.UpdateSessionStatus(ctx, db.UpdateSessionStatusParams{RefKey: refKey, Status: "reverted"}); err != nil {
		return err
	}
	r.emit(ctx, refKey, "session:status", map[string]string{"status": "reverted"}, "")
	return nil
}

func (r *Runner) emit(ctx context.Context, refKey, eventType string, data any, messageID string) {
	if _, err := r.bus.Emit(ctx, refKey, eventType, eventJSON(data), messageID); err != nil {
		_ = err // best-effort: a failed emit never aborts the state machine
	}
}
