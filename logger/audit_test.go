package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditTransitionWritesJSONLine(t *testing.T) {
	var buf bytes.Buffer
	SetAuditOutput(&buf)
	defer closeAudit()

	AuditTransition(7, "RELIANCE-EQ", "PENDING", "EXECUTED", "")
	AuditDiscrepancy("TCS-EQ", "manual_buy", 10, 15)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "order_transition", first["event"])
	assert.Equal(t, float64(7), first["order_id"])
	assert.Equal(t, "EXECUTED", first["to"])

	var second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, float64(5), second["diff"])
	assert.Equal(t, "warn", second["level"])
}
