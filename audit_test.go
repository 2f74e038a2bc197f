package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAuditLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line), sc.Text())
		out = append(out, line)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestAuditLogWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	var console bytes.Buffer
	a, err := newAuditLog(path, &console)
	require.NoError(t, err)

	ctx := withTraceID(withIdentity(context.Background(), Identity{ID: 7, Role: RoleAdmin}), "trace-1")
	a.Created(ctx, "Species", map[string]string{"Nimetus": "Cat"})
	a.Deleted(ctx, "Patient", map[string]string{"id": "5"})
	a.NotFound(context.Background(), "Client", "getting", map[string]string{"id": "9"})
	a.Error(ctx, "Client", "creating", errors.New("boom"), logrus.Fields{"data": "x"})
	require.NoError(t, a.Close())

	lines := readAuditLines(t, path)
	require.Len(t, lines, 4)

	assert.Equal(t, "created", lines[0]["event"])
	assert.Equal(t, "Species", lines[0]["entity"])
	assert.Equal(t, float64(7), lines[0]["user"])
	assert.Equal(t, "trace-1", lines[0]["trace_id"])
	assert.Equal(t, map[string]any{"Nimetus": "Cat"}, lines[0]["data"])

	assert.Equal(t, "deleted", lines[1]["event"])
	assert.Equal(t, "not_found", lines[2]["event"])
	assert.Equal(t, "unknown", lines[2]["user"])
	assert.Equal(t, "warning", lines[2]["level"])
	assert.NotContains(t, lines[2], "trace_id")

	assert.Equal(t, "error", lines[3]["event"])
	assert.Equal(t, "boom", lines[3]["error"])
	assert.Equal(t, "creating", lines[3]["action"])

	assert.Equal(t, 4, bytes.Count(console.Bytes(), []byte("\n")))
}

func TestAuditLogAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	for i := 0; i < 2; i++ {
		a, err := newAuditLog(path, nil)
		require.NoError(t, err)
		a.Created(context.Background(), "Species", nil)
		require.NoError(t, a.Close())
	}
	assert.Len(t, readAuditLines(t, path), 2)
}

func TestAuditLogWithoutOutputs(t *testing.T) {
	a, err := newAuditLog("", nil)
	require.NoError(t, err)
	a.Created(context.Background(), "Species", nil)
	assert.NoError(t, a.Close())
}
