package cmd

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/3leaps/starship/pkg/protocol"
)

func TestWriteStatus(t *testing.T) {
	now := time.Unix(1_700_000_100, 0)
	st := &protocol.StatusResponse{
		Total:       5,
		Finished:    3,
		Failed:      1,
		Skipped:     1,
		Downloading: 1,
		Waiting:     1,
		Workers: map[string]protocol.WorkerStatus{
			"w-b": {LastSeen: 1_700_000_090, Status: "err", Message: "disk full"},
			"w-a": {LastSeen: 1_700_000_099, Status: "ok"},
		},
	}

	var buf bytes.Buffer
	writeStatus(&buf, st, now)
	out := buf.String()

	assert.Contains(t, out, "Finished 3/5 (1 failed, 1 skipped, 1 downloading, 1 waiting, 0 retrying)")
	assert.NotContains(t, out, "All jobs finished")
	assert.Contains(t, out, "WORKER")
	assert.Contains(t, out, "disk full")
	assert.Contains(t, out, "10s ago")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("w-a")), bytes.Index(buf.Bytes(), []byte("w-b")))
}

func TestWriteStatus_Done(t *testing.T) {
	var buf bytes.Buffer
	writeStatus(&buf, &protocol.StatusResponse{Total: 1, Finished: 1, Done: true}, time.Now())
	assert.Contains(t, buf.String(), "All jobs finished")
	assert.NotContains(t, buf.String(), "WORKER")
}
