package kernel

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

type countingMeter struct {
	timeouts atomic.Int64
}

func (m *countingMeter) MeterAPIRequest(context.Context, uuid.UUID, string)  {}
func (m *countingMeter) MeterJobRun(context.Context, uuid.UUID)              {}
func (m *countingMeter) MeterStorageBytes(context.Context, uuid.UUID, int64) {}
func (m *countingMeter) MeterDBTimeout(context.Context, uuid.UUID)           { m.timeouts.Add(1) }

func TestNoteDBTimeout(t *testing.T) {
	meter := &countingMeter{}
	k := New(Config{Meter: meter})
	ctx := context.Background()
	mctx := Context{OrgID: uuid.New()}

	k.noteDBTimeout(ctx, mctx, fmt.Errorf("storage: get entity: %w", context.DeadlineExceeded))
	assert.Equal(t, int64(1), meter.timeouts.Load())

	k.noteDBTimeout(ctx, mctx, fmt.Errorf("storage: get entity: boom"))
	assert.Equal(t, int64(1), meter.timeouts.Load(), "only deadline expiries count")

	k.noteDBTimeout(ctx, mctx, wrapError(CodeValidation, fmt.Errorf("commit failed: %w", context.DeadlineExceeded)))
	assert.Equal(t, int64(2), meter.timeouts.Load(), "classification sees through error wrapping")
}
