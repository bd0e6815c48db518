package progress_test

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/alanyang/promptlab/internal/domain/progress"
)

func TestValidate(t *testing.T) {
	room := Room{SessionID: "s", CardID: "c"}

	assert.NoError(t, New(room, TestProgress{RunID: uuid.New()}).Validate())
	assert.NoError(t, NewGlobal(QueueStatus{}).Validate())
	assert.Error(t, NewGlobal(TestProgress{}).Validate(), "room-scoped kinds need a room")
	assert.Error(t, Message{Type: KindCostUpdate}.Validate(), "payload required")
	assert.Error(t, Message{Type: KindCostUpdate, Payload: QueueStatus{}}.Validate(), "type must match payload")
}

func TestUnmarshalTaggedPayload(t *testing.T) {
	runID := uuid.New()
	in := New(Room{SessionID: "s", CardID: "c"}, CostUpdate{RunID: runID, Cost: 0.25, TokensUsed: 120})

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out Message
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, KindCostUpdate, out.Type)
	cu, ok := out.Payload.(CostUpdate)
	require.True(t, ok, "payload decoded as %T", out.Payload)
	assert.Equal(t, runID, cu.RunID)
	assert.Equal(t, int64(120), cu.TokensUsed)
	assert.Equal(t, "s", out.SessionID)
}

func TestUnmarshalUnknownType(t *testing.T) {
	var m Message
	err := json.Unmarshal([]byte(`{"type":"mystery","payload":{}}`), &m)
	assert.Error(t, err)
}

func TestGlobalKinds(t *testing.T) {
	assert.True(t, KindQueueStatus.Global())
	assert.True(t, KindResourceUpdate.Global())
	assert.False(t, KindTestProgress.Global())
	assert.False(t, KindAnalyticsUpdate.Global())
	assert.False(t, KindCostUpdate.Global())
}
