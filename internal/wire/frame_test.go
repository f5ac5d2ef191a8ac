package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []any{
		ListRequest{},
		ListResponse{Workers: []WorkerEndpoint{{WorkerID: "w1", Host: "h", Port: 9000, ToolIDs: []string{"gcc"}, TotalThreads: 4}}},
		WorkerStatus{Census: WorkerCensus{Endpoint: WorkerEndpoint{WorkerID: "w1"}, BusyOthers: 2}},
		SessionUpdate{Session: SessionInfo{SessionID: 42, ClientID: "c1"}, IsFinal: true},
		ToolRequest{Invocation: Invocation{ToolID: "gcc", Args: []string{"-c", "a.c"}}, SessionID: 7},
		ToolResponse{Result: true, Stdout: "ok"},
	}

	for _, frame := range cases {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, frame))

		got, err := Decode(&buf)
		require.NoError(t, err)
		require.NotNil(t, got)
	}
}

func TestDecodeRejectsImplausibleLength(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	_, err := Decode(buf)
	require.Error(t, err)
}

func TestTagOfUnregisteredType(t *testing.T) {
	var buf bytes.Buffer
	err := Encode(&buf, struct{ X int }{X: 1})
	require.Error(t, err)
}
