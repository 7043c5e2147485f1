package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/au-crawler/internal/storage/memory"
	"github.com/JakeFAU/au-crawler/internal/store"
)

func ExampleHistoryHandler_ListRuns() {
	repo := memory.NewHistoryStore()
	ctx := context.Background()
	id := uuid.MustParse("8b0c6c55-8c1a-4d0e-9d8c-2f5d7a1e0c11")
	started := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	_ = repo.RecordStart(ctx, id, "org|example&year~2024", "new_content", started)
	_ = repo.RecordFinish(ctx, id, started.Add(time.Minute), store.RunSuccess, "SUCCESSFUL", nil)

	handler := NewHistoryHandler(repo, zap.NewNop())
	rec := httptest.NewRecorder()
	handler.ListRuns(rec, httptest.NewRequest(http.MethodGet, "/v1/history?limit=1", nil))

	fmt.Println(rec.Code)
	fmt.Print(rec.Body.String())
	// Output:
	// 200
	// {"runs":[{"id":"8b0c6c55-8c1a-4d0e-9d8c-2f5d7a1e0c11","auid":"org|example\u0026year~2024","crawl_type":"new_content","started_at":"2024-01-02T03:04:05Z","finished_at":"2024-01-02T03:05:05Z","status":"success","result":"SUCCESSFUL"}]}
}
