package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassesCommand(t *testing.T) {
	jsonOut = false
	quiet = false
	classesProtect = false
	classesCold = false

	out, err := captureOutput(t, runClasses)
	require.NoError(t, err)
	assert.Contains(t, out, "class")
	assert.Contains(t, out, "size")
}

func TestClassesCommand_JSON(t *testing.T) {
	jsonOut = true
	defer func() { jsonOut = false }()
	classesProtect = false
	classesCold = false

	out, err := captureOutput(t, runClasses)
	require.NoError(t, err)

	var rows []SizeClass
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.NotEmpty(t, rows)

	var prev uint64
	for _, r := range rows {
		assert.Greater(t, r.Size, prev, "class sizes must increase")
		assert.LessOrEqual(t, r.MinReq, r.MaxReq)
		assert.LessOrEqual(t, r.MaxReq, r.Size)
		prev = r.Size
	}
	assert.Equal(t, uint64(32<<10), rows[len(rows)-1].Size)
}

func TestClassesCommand_ProtectShiftsMapping(t *testing.T) {
	jsonOut = true
	defer func() { jsonOut = false }()
	classesCold = false

	classesProtect = false
	plain, err := captureOutput(t, runClasses)
	require.NoError(t, err)
	classesProtect = true
	padded, err := captureOutput(t, runClasses)
	require.NoError(t, err)
	classesProtect = false

	assert.NotEqual(t, plain, padded, "padding must change which class a request maps to")
}
