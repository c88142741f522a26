package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/souphaphone-lao/qi-survey-webapp-sub001/localstore"
	"github.com/souphaphone-lao/qi-survey-webapp-sub001/surveysync"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "none.env")))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("SURVEYSYNC_JWT_SECRET", "cli-secret")

	out, err := run(t, "token", "--user", "alice", "--institution", "12")
	require.NoError(t, err)

	claims, err := surveysync.NewJWTAuth("cli-secret").ValidateToken(strings.TrimSpace(out))
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Subject)
	require.Equal(t, int64(12), *claims.InstitutionID)

	_, err = run(t, "token")
	require.Error(t, err)
}

type cliServer struct {
	url   string
	repo  *surveysync.MemoryRepository
	store string
}

func setupCLI(t *testing.T) *cliServer {
	t.Helper()
	repo := surveysync.NewMemoryRepository()
	jwtAuth := surveysync.NewJWTAuth("cli-secret")
	srv := httptest.NewServer(surveysync.NewRouter(surveysync.NewHandlers(repo, surveysync.HandlerConfig{}, nil), jwtAuth))
	t.Cleanup(srv.Close)
	token, err := jwtAuth.GenerateToken("enumerator", 5, time.Hour)
	require.NoError(t, err)

	storePath := filepath.Join(t.TempDir(), "survey.db")
	t.Setenv("SURVEYSYNC_SERVER_URL", srv.URL)
	t.Setenv("SURVEYSYNC_STORE_PATH", storePath)
	t.Setenv("SURVEYSYNC_AUTH_TOKEN", token)
	t.Setenv("SURVEYSYNC_LOG_LEVEL", "error")
	return &cliServer{url: srv.URL, repo: repo, store: storePath}
}

func seedQueue(t *testing.T, path string) {
	t.Helper()
	ctx := context.Background()
	store, err := localstore.OpenSQLite(ctx, path, nil)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.PutSubmission(ctx, &localstore.OfflineSubmission{
		LocalID:         "local-1",
		QuestionnaireID: 2,
		InstitutionID:   5,
		Status:          localstore.StatusSubmitted,
		Answers:         map[string]any{"q1": "a"},
	}))
	_, _, err = store.EnqueueOnce(ctx, &localstore.SyncQueueItem{
		Type: localstore.ItemSubmission, ItemID: "local-1", Priority: localstore.PriorityHigh, CreatedAt: time.Now(),
	})
	require.NoError(t, err)
}

func TestStatusAndSyncNow(t *testing.T) {
	s := setupCLI(t)
	seedQueue(t, s.store)

	out, err := run(t, "status")
	require.NoError(t, err)
	require.Contains(t, out, "(online)")
	require.Contains(t, out, "pending:   1 queue entries, 1 unsynced submissions")
	require.Contains(t, out, "parked:    0")

	out, err = run(t, "sync", "now")
	require.NoError(t, err)
	var res syncNowOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.True(t, res.Online)
	require.Equal(t, 1, res.Result.Succeeded)
	require.Zero(t, res.Pending)
	require.Equal(t, 1, s.repo.Count())

	out, err = run(t, "purge", "--older-than", "0s")
	require.NoError(t, err)
	require.Contains(t, out, "purged 1 synced submissions")
}

func TestRetryCommand(t *testing.T) {
	setupCLI(t)

	_, err := run(t, "retry", "abc")
	require.Error(t, err)

	_, err = run(t, "retry", "42")
	require.ErrorIs(t, err, localstore.ErrNotFound)
}

func TestInvalidConfigFails(t *testing.T) {
	t.Setenv("SURVEYSYNC_LOG_FORMAT", "xml")
	_, err := run(t, "token", "--institution", "1")
	require.Error(t, err)
}
