package runner_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	agent "github.com/sessionforge/sessionforge/internal/agentprovider"
	"github.com/sessionforge/sessionforge/internal/db"
	"github.com/sessionforge/sessionforge/internal/eventbus"
	"github.com/sessionforge/sessionforge/internal/eventlog"
	"github.com/sessionforge/sessionforge/internal/id"
	"github.com/sessionforge/sessionforge/internal/msgcodec"
	"github.com/sessionforge/sessionforge/internal/runner"
	"github.com/sessionforge/sessionforge/internal/timeout"
)

// fakeProvider is a scripted AgentProvider: it never spawns a real agent
// process, just calls onEvent with whatever events the test queued and
// returns the configured error.
type fakeProvider struct {
	mu      sync.Mutex
	events  []agent.Event
	runErr  error
	running map[string]bool
	sent    []string
}

func newFakeProvider(events ...agent.Event) *fakeProvider {
	return &fakeProvider{events: events, running: make(map[string]bool)}
}

func (f *fakeProvider) Run(ctx context.Context, opts agent.RunOptions, onEvent agent.OnEvent) error {
	f.mu.Lock()
	f.running[opts.SessionID] = true
	f.mu.Unlock()
	for _, ev := range f.events {
		onEvent(ev)
	}
	f.mu.Lock()
	f.running[opts.SessionID] = false
	f.mu.Unlock()
	return f.runErr
}

func (f *fakeProvider) SendMessage(sessionID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, message)
	return nil
}

func (f *fakeProvider) Stop(sessionID string)  {}
func (f *fakeProvider) Abort(sessionID string) {}

func (f *fakeProvider) IsRunning(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[sessionID]
}

func newTestQueries(t *testing.T) *db.Queries {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))
	return db.New(sqlDB)
}

func run(t *testing.T, dir, name string, args ...string) {
	t.Helper()
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "%s %v: %s", name, args, string(out))
}

// seedOriginAndSession creates a bare-clonable origin repo on disk and a
// matching session row, and returns the ref and the prompt message id's
// dependencies needed to exercise startSession.
func seedOriginAndSession(t *testing.T, q *db.Queries, dataDir string) (runner.Ref, string) {
	t.Helper()
	ctx := context.Background()

	origin := filepath.Join(dataDir, "origin")
	require.NoError(t, os.MkdirAll(origin, 0o755))
	run(t, origin, "git", "init", "-b", "main")
	run(t, origin, "git", "config", "user.email", "a@test.com")
	run(t, origin, "git", "config", "user.name", "A")
	require.NoError(t, os.WriteFile(filepath.Join(origin, "README.md"), []byte("hi"), 0o644))
	run(t, origin, "git", "add", ".")
	run(t, origin, "git", "commit", "-m", "initial")

	userID := id.Generate()
	require.NoError(t, q.CreateUser(ctx, db.CreateUserParams{ID: userID, Username: id.Generate(), PasswordHash: "h"}))

	identityID := id.Generate()
	require.NoError(t, q.CreateIdentity(ctx, db.CreateIdentityParams{ID: identityID, UserID: userID, Name: "work"}))

	repoID := id.Generate()
	require.NoError(t, q.CreateRepo(ctx, db.CreateRepoParams{ID: repoID, UserID: userID, Name: "proj", RepoURL: "file://" + origin}))

	sessionID := id.Generate()
	refKey := userID + "/" + repoID + "/" + sessionID
	require.NoError(t, q.CreateSession(ctx, db.CreateSessionParams{
		SessionID: sessionID, RepoID: repoID, UserID: userID, RefKey: refKey,
		IdentityID: identityID, RepoURL: "file://" + origin, Branch: "main",
		Prompt: "add a feature", Status: "pending",
	}))

	return runner.Ref{UserID: userID, RepoID: repoID, SessionID: sessionID}, refKey
}

func newTestRunner(t *testing.T, q *db.Queries, provider runner.AgentProvider, dataDir string) *runner.Runner {
	t.Helper()
	bus := eventbus.New(eventlog.New(q), nil)
	tc, err := timeout.NewFromDB(q)
	require.NoError(t, err)
	return runner.New(q, bus, provider, dataDir, tc, "")
}

func waitForStatus(t *testing.T, q *db.Queries, refKey, want string) db.Session {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var sess db.Session
	var err error
	for time.Now().Before(deadline) {
		sess, err = q.GetSessionByRefKey(context.Background(), refKey)
		require.NoError(t, err)
		if sess.Status == want {
			return sess
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session never reached status %q, last seen %q", want, sess.Status)
	return sess
}

func TestStartSession_HappyPath(t *testing.T) {
	dataDir := t.TempDir()
	q := newTestQueries(t)
	ref, refKey := seedOriginAndSession(t, q, dataDir)

	provider := newFakeProvider(agent.Event{Kind: agent.EventCompleted, Summary: "done"})
	r := newTestRunner(t, q, provider, dataDir)

	r.StartSession(ref, "add a feature")

	sess := waitForStatus(t, q, refKey, "idle")
	require.NotEmpty(t, sess.WorktreePath)
	require.DirExists(t, sess.WorktreePath)

	msgs, err := q.ListMessagesBySession(context.Background(), refKey)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "user", msgs[0].Role)
	require.NotEmpty(t, msgs[0].CommitSha)
	require.Equal(t, "assistant", msgs[1].Role)
	require.Equal(t, "done", decompressContent(t, msgs[1]))
}

func decompressContent(t *testing.T, m db.Message) string {
	t.Helper()
	raw, err := msgcodec.Decompress([]byte(m.Content), msgcodec.Compression(m.ContentCompression))
	require.NoError(t, err)
	return string(raw)
}

func TestStartSession_AgentError_MarksFailed(t *testing.T) {
	dataDir := t.TempDir()
	q := newTestQueries(t)
	ref, refKey := seedOriginAndSession(t, q, dataDir)

	provider := newFakeProvider(agent.Event{Kind: agent.EventError, Text: "boom"})
	r := newTestRunner(t, q, provider, dataDir)

	r.StartSession(ref, "add a feature")

	waitForStatus(t, q, refKey, "failed")
}

func TestSendMessage_DelegatesWhileRunning(t *testing.T) {
	dataDir := t.TempDir()
	q := newTestQueries(t)
	ref, refKey := seedOriginAndSession(t, q, dataDir)
	ctx := context.Background()

	provider := newFakeProvider()
	r := newTestRunner(t, q, provider, dataDir)

	r.StartSession(ref, "add a feature")
	waitForStatus(t, q, refKey, "idle")

	providerID := runner.ProviderSessionID(ref)
	provider.mu.Lock()
	provider.running[providerID] = true
	provider.mu.Unlock()

	require.NoError(t, r.SendMessage(ctx, ref, "follow up"))
	provider.mu.Lock()
	defer provider.mu.Unlock()
	require.Contains(t, provider.sent, "follow up")
}

func TestRevert_ResetsWorktreeAndTrimsHistory(t *testing.T) {
	dataDir := t.TempDir()
	q := newTestQueries(t)
	ref, refKey := seedOriginAndSession(t, q, dataDir)
	ctx := context.Background()

	provider := newFakeProvider(agent.Event{Kind: agent.EventCompleted, Summary: "first turn"})
	r := newTestRunner(t, q, provider, dataDir)
	r.StartSession(ref, "add a feature")
	waitForStatus(t, q, refKey, "idle")

	msgs, err := q.ListMessagesBySession(ctx, refKey)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	firstUserMsg := msgs[0]

	sess, err := q.GetSessionByRefKey(ctx, refKey)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(sess.WorktreePath, "extra.txt"), []byte("x"), 0o644))

	provider.events = []agent.Event{{Kind: agent.EventCompleted, Summary: "second turn"}}
	require.NoError(t, r.SendMessage(ctx, ref, "second message"))
	waitForStatus(t, q, refKey, "idle")

	require.NoError(t, r.Revert(ctx, ref, firstUserMsg.ID))

	sess2 := waitForStatus(t, q, refKey, "reverted")
	head := run2(t, sess2.WorktreePath)
	require.Equal(t, firstUserMsg.CommitSha, head)

	remaining, err := q.ListMessagesBySession(ctx, refKey)
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func run2(t *testing.T, dir string) string {
	t.Helper()
	cmd := exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	require.NoError(t, err)
	return trimNewline(string(out))
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
