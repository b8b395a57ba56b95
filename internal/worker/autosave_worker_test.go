package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

type fakeWriter struct {
	mu    sync.Mutex
	err   error
	saved []model.Response
}

func (f *fakeWriter) Upsert(_ context.Context, resp *model.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, *resp)
	return nil
}

func newAutosave(t *testing.T, w ResponseWriter) (*AutosaveWorker, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	worker := NewAutosaveWorker(w, rdb, zerolog.Nop())
	worker.retryDelay = time.Millisecond
	return worker, mr, rdb
}

func queueResponse(t *testing.T, rdb *redis.Client, resp model.Response) {
	t.Helper()
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	require.NoError(t, rdb.RPush(context.Background(), config.WorkerKey.PersistResponsesQueue, data).Err())
}

func TestAutosaveWorkerPersistsQueuedResponse(t *testing.T) {
	writer := &fakeWriter{}
	w, mr, rdb := newAutosave(t, writer)

	text := "42"
	resp := model.Response{AttemptID: uuid.New(), QuestionID: uuid.New(), TextAnswer: &text, UpdatedAt: time.Now().UTC()}
	queueResponse(t, rdb, resp)

	w.processNext(context.Background())

	require.Len(t, writer.saved, 1)
	require.Equal(t, resp.AttemptID, writer.saved[0].AttemptID)
	require.Equal(t, "42", *writer.saved[0].TextAnswer)
	require.False(t, mr.Exists(config.WorkerKey.PersistResponsesQueue))
}

func TestAutosaveWorkerDropsFinalizedAndStaleWrites(t *testing.T) {
	tooLong := &pgconn.PgError{Severity: "ERROR", Code: "22001", Message: "value too long for type character varying(64)"}
	checkFailed := &pgconn.PgError{Severity: "ERROR", Code: "23514", Message: "new row violates check constraint"}
	for _, err := range []error{pgx.ErrNoRows, repository.ErrStaleResponse, tooLong, fmt.Errorf("upsert response: %w", checkFailed)} {
		t.Run(err.Error(), func(t *testing.T) {
			w, mr, rdb := newAutosave(t, &fakeWriter{err: err})
			queueResponse(t, rdb, model.Response{AttemptID: uuid.New(), QuestionID: uuid.New()})

			w.processNext(context.Background())
			require.False(t, mr.Exists(config.WorkerKey.PersistResponsesQueue))
		})
	}
}

func TestAutosaveWorkerRequeuesOnDatabaseError(t *testing.T) {
	w, mr, rdb := newAutosave(t, &fakeWriter{err: errors.New("connection refused")})
	queueResponse(t, rdb, model.Response{AttemptID: uuid.New(), QuestionID: uuid.New()})

	w.processNext(context.Background())

	list, err := mr.List(config.WorkerKey.PersistResponsesQueue)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestAutosaveWorkerDiscardsMalformedPayload(t *testing.T) {
	writer := &fakeWriter{}
	w, mr, rdb := newAutosave(t, writer)
	require.NoError(t, rdb.RPush(context.Background(), config.WorkerKey.PersistResponsesQueue, "{not json").Err())

	w.processNext(context.Background())
	require.Empty(t, writer.saved)
	require.False(t, mr.Exists(config.WorkerKey.PersistResponsesQueue))
}

func TestAutosaveWorkerDrainsOnShutdown(t *testing.T) {
	writer := &fakeWriter{}
	w, mr, rdb := newAutosave(t, writer)
	for range 3 {
		queueResponse(t, rdb, model.Response{AttemptID: uuid.New(), QuestionID: uuid.New()})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Start(ctx)

	require.Len(t, writer.saved, 3)
	require.False(t, mr.Exists(config.WorkerKey.PersistResponsesQueue))
}
