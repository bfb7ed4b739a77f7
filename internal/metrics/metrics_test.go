package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/promptledger/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCountsOperations(t *testing.T) {
	t.Parallel()
	recorder := NewRecorder()
	ctx := context.Background()

	recorder.LogOperation(ctx, ledger.OperationLog{Operation: "charge", Status: "ok", Amount: 30, TransactionType: ledger.TransactionPromptRun})
	recorder.LogOperation(ctx, ledger.OperationLog{Operation: "charge", Status: "ok", Amount: 20, TransactionType: ledger.TransactionPromptRun})
	recorder.LogOperation(ctx, ledger.OperationLog{Operation: "charge", Status: "declined", Amount: 500, TransactionType: ledger.TransactionPromptRun})
	recorder.LogOperation(ctx, ledger.OperationLog{Operation: "sweep", Status: "ok", Amount: 70, Count: 3})

	assert.Equal(t, 2.0, testutil.ToFloat64(recorder.operations.WithLabelValues("charge", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.operations.WithLabelValues("charge", "declined")))
	assert.Equal(t, 50.0, testutil.ToFloat64(recorder.credits.WithLabelValues("charge", ledger.TransactionPromptRun.String())))
	assert.Equal(t, 3.0, testutil.ToFloat64(recorder.sweptBuckets))
}

func TestRecorderObservesJobs(t *testing.T) {
	t.Parallel()
	recorder := NewRecorder()

	recorder.ObserveJob("sweep", 120*time.Millisecond, nil)
	recorder.ObserveJob("sweep", time.Second, errors.New("storage down"))

	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.jobRuns.WithLabelValues("sweep", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.jobRuns.WithLabelValues("sweep", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(recorder.jobDuration))
}

func TestRecorderHandlerExposesMetrics(t *testing.T) {
	t.Parallel()
	recorder := NewRecorder()
	recorder.LogOperation(context.Background(), ledger.OperationLog{Operation: "grant", Status: "ok", Amount: 100, TransactionType: ledger.TransactionBonus})

	response := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, response.Code)
	body := response.Body.String()
	assert.True(t, strings.Contains(body, `promptledger_ledger_operations_total{operation="grant",status="ok"} 1`), body)
	assert.Contains(t, body, "go_goroutines")
}
