package types

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaxStateBytes_SaveCallFits(t *testing.T) {
	for _, limit := range []int64{4 << 10, 64 << 10, 1 << 20} {
		n := MaxStateBytes(limit)
		require.Positive(t, n)

		params, err := json.Marshal([]any{make([]byte, n)})
		require.NoError(t, err)
		frame, err := json.Marshal(Frame{Kind: FrameCall, ID: math.MaxUint64, Method: MethodSaveState, Params: params})
		require.NoError(t, err)
		assert.LessOrEqual(t, int64(len(frame)), limit, "limit %d", limit)
	}
	assert.Zero(t, MaxStateBytes(100))
}
