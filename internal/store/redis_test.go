package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/doylf/neuvero-pulse/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const testPrefix = "pulse:test:"

type RedisStoreTestSuite struct {
	suite.Suite
	server *miniredis.Miniredis
	client *redis.Client
	store  *RedisStore
	ctx    context.Context
}

func TestRedisStoreSuite(t *testing.T) {
	suite.Run(t, new(RedisStoreTestSuite))
}

func (r *RedisStoreTestSuite) SetupTest() {
	r.server = miniredis.RunT(r.T())
	r.client = redis.NewClient(&redis.Options{Addr: r.server.Addr()})
	r.T().Cleanup(func() { _ = r.client.Close() })
	r.store = NewRedisStoreWithClient(r.client, testPrefix)
	r.ctx = context.Background()
}

func (r *RedisStoreTestSuite) TestContract() {
	exerciseStore(r.T(), r.store)
}

func (r *RedisStoreTestSuite) TestSessionKeyLayout() {
	sess := models.NewSession("15550003333")
	sess.CurrentFlow = "flow_admin"
	r.Require().NoError(r.store.SaveSession(*sess))

	raw, err := r.client.Get(r.ctx, testPrefix+"session:15550003333").Result()
	r.Require().NoError(err)
	r.Contains(raw, `"current_flow":"flow_admin"`)
}

func (r *RedisStoreTestSuite) TestPendingIndexTracksStatus() {
	at := time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC)
	task := models.ScheduledTask{ID: "task_1", Identity: "15550004444", FlowID: "flow_checkin", ResumeStep: 2, ExecuteAt: at}
	r.Require().NoError(r.store.CreateTask(task))

	score, err := r.client.ZScore(r.ctx, testPrefix+"idx:pending", "task_1").Result()
	r.Require().NoError(err)
	r.Equal(float64(at.Unix()), score)

	due, err := r.store.DueTasks(at.Add(-time.Second))
	r.Require().NoError(err)
	r.Empty(due)

	due, err = r.store.DueTasks(at)
	r.Require().NoError(err)
	r.Require().Len(due, 1)
	r.Equal(models.TaskStatusPending, due[0].Status)

	changed, err := r.store.MarkTaskCompleted("task_1", at)
	r.Require().NoError(err)
	r.True(changed)

	exists, err := r.client.ZScore(r.ctx, testPrefix+"idx:pending", "task_1").Result()
	r.ErrorIs(err, redis.Nil, "completed task should leave the pending index, got score %v", exists)
}

func (r *RedisStoreTestSuite) TestMarkTaskCompletedIsAtomic() {
	at := time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC)
	r.Require().NoError(r.store.CreateTask(models.ScheduledTask{ID: "task_race", Identity: "15550004444", FlowID: "flow_checkin", ExecuteAt: at}))

	const callers = 8
	results := make(chan bool, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			changed, err := r.store.MarkTaskCompleted("task_race", at.Add(time.Duration(i)*time.Minute))
			if err == nil {
				results <- changed
			}
		}(i)
	}
	wg.Wait()
	close(results)

	transitions := 0
	for changed := range results {
		if changed {
			transitions++
		}
	}
	r.Equal(1, transitions, "exactly one caller completes the task")

	task, err := r.store.GetTask("task_race")
	r.Require().NoError(err)
	r.Equal(models.TaskStatusCompleted, task.Status)
	r.Require().NotNil(task.CompletedAt)
	_, err = r.client.ZScore(r.ctx, testPrefix+"idx:pending", "task_race").Result()
	r.ErrorIs(err, redis.Nil)
}

func (r *RedisStoreTestSuite) TestMarkTaskCompletedLeavesNonPendingAlone() {
	at := time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC)
	r.Require().NoError(r.store.CreateTask(models.ScheduledTask{ID: "task_done", Identity: "15550004444", FlowID: "flow_checkin", ExecuteAt: at, Status: models.TaskStatusCompleted}))

	changed, err := r.store.MarkTaskCompleted("task_done", at)
	r.Require().NoError(err)
	r.False(changed)

	task, err := r.store.GetTask("task_done")
	r.Require().NoError(err)
	r.Nil(task.CompletedAt, "a task that was never pending keeps its record untouched")
}

func (r *RedisStoreTestSuite) TestDueTasksDropsDanglingIndexEntries() {
	r.Require().NoError(r.client.ZAdd(r.ctx, testPrefix+"idx:pending", redis.Z{Score: 1, Member: "task_ghost"}).Err())

	due, err := r.store.DueTasks(time.Now())
	r.Require().NoError(err)
	r.Empty(due)

	n, err := r.client.ZCard(r.ctx, testPrefix+"idx:pending").Result()
	r.Require().NoError(err)
	r.Zero(n)
}

func TestNewRedisStoreFromURL(t *testing.T) {
	srv := miniredis.RunT(t)
	s, err := NewRedisStore(WithRedisURL("redis://" + srv.Addr() + "/0"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SaveContact("15550005555", "+15550005555"))
	addr, err := s.GetContact("15550005555")
	require.NoError(t, err)
	require.Equal(t, "+15550005555", addr)
	require.True(t, srv.Exists(DefaultRedisPrefix+"contact:15550005555"))
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	_, err := NewRedisStore(WithRedisURL("redis://%zz"))
	require.Error(t, err)

	_, err = NewRedisStore()
	require.Error(t, err)
}
