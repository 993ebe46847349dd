package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "memory.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPreferencesRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SavePreference(ctx, "u1", "preferred_store", "example shop"))
	require.NoError(t, s.SavePreference(ctx, "u1", "city", "Lisbon"))
	require.NoError(t, s.SavePreference(ctx, "u2", "city", "Oslo"))

	got, err := s.GetUserContext(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"preferred_store": "example shop", "city": "Lisbon"}, got)
}

func TestPreferenceUpsertReplaces(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SavePreference(ctx, "u1", "city", "Lisbon"))
	require.NoError(t, s.SavePreference(ctx, "u1", "city", "Porto"))

	got, err := s.GetUserContext(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Porto", got["city"])
}

func TestSensitivePreferenceIsMasked(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SavePreference(ctx, "u1", "site_password", "hunter42"))

	got, err := s.GetUserContext(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "********", got["site_password"])
}

func TestExecutionHistoryRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := schemas.ExecutionRecord{
		UserID:  "u1",
		Command: "search for cats",
		Status:  schemas.TaskCompleted,
		Steps: []schemas.StepResult{
			{StepNumber: 1, Description: "navigate", Status: schemas.StepSuccess},
			{StepNumber: 2, Description: "type query", Status: schemas.StepHealed, StrategyUsed: "relaxed"},
		},
		ExecutionTime: 12.5,
	}
	require.NoError(t, s.SaveExecutionRecord(ctx, rec))

	entries, err := s.GetHistory(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "search for cats", entries[0].Command)
	assert.Equal(t, schemas.TaskCompleted, entries[0].Status)
	require.Len(t, entries[0].Steps, 2)
	assert.Equal(t, "relaxed", entries[0].Steps[1].StrategyUsed)
}

func TestHistoryCommandIsSanitized(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveExecutionRecord(ctx, schemas.ExecutionRecord{
		UserID:  "u1",
		Command: "pay with 4111 1111 1111 1111",
		Status:  schemas.TaskFailed,
	}))

	entries, err := s.GetHistory(ctx, "u1", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0].Command, "4111")
}

func TestConcurrentWritesSameUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.SaveExecutionRecord(ctx, schemas.ExecutionRecord{
				UserID:  "u1",
				Command: fmt.Sprintf("task %d", i),
				Status:  schemas.TaskCompleted,
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	entries, err := s.GetHistory(ctx, "u1", 50)
	require.NoError(t, err)
	assert.Len(t, entries, 20)
}

func TestGetHistoryLimitsAndOrders(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.SaveExecutionRecord(ctx, schemas.ExecutionRecord{
			UserID:  "u1",
			Command: fmt.Sprintf("task %d", i),
			Status:  schemas.TaskCompleted,
		}))
	}

	entries, err := s.GetHistory(ctx, "u1", 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "task 4", entries[0].Command, "newest first")
}
