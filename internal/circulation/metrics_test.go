// internal/circulation/metrics_test.go
package circulation_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/libranexus/circulation/internal/circulation"
	"github.com/libranexus/circulation/internal/clock"
	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/store/memstore"
)

// collectSums returns every int64 counter by name, keyed by the value of
// the given attribute ("" sums all points).
func collectSums(t *testing.T, reader *sdkmetric.ManualReader, attr string) map[string]map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			byAttr := make(map[string]int64)
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value(attribute.Key(attr))
				byAttr[v.AsString()] += dp.Value
				byAttr[""] += dp.Value
			}
			out[m.Name] = byAttr
		}
	}
	return out
}

func Test_Metrics_RecordedThroughMeter(t *testing.T) {
	// arrange
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	ms := memstore.New()
	svc := circulation.NewService(ms, circulation.AllowAll, circulation.DefaultPolicy(),
		circulation.WithClock(clock.NewManual(issueTime)),
		circulation.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		circulation.WithMeter(provider.Meter("libranexus/circulation")),
	)
	ids := seedCopies(t, ms, domain.CopyAvailable, domain.CopyAvailable)

	// act
	_, err := svc.Borrow(context.Background(), borrowRequest(ids...))
	require.NoError(t, err)
	_, err = svc.Borrow(context.Background(), borrowRequest(ids[0]))
	require.Error(t, err)
	_, err = svc.Return(context.Background(), circulation.ReturnRequest{Lines: []circulation.ReturnLine{
		{CopyID: ids[0], Condition: domain.ConditionDamaged},
		{CopyID: ids[1], Condition: domain.ConditionGood},
		{LoanID: uuid.New()},
	}})
	require.NoError(t, err)

	// assert
	sums := collectSums(t, reader, "outcome")
	assert.Equal(t, int64(1), sums["circulation.borrow.requests"]["ok"])
	assert.Equal(t, int64(1), sums["circulation.borrow.requests"]["conflict"])
	assert.Equal(t, int64(2), sums["circulation.return.lines"]["ok"])
	assert.Equal(t, int64(1), sums["circulation.return.lines"]["conflict"])
	assert.Equal(t, int64(100000), sums["circulation.fines.amount"][""])
}
