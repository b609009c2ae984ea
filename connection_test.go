package leap

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/srg/leap/internal/testutil"
	"github.com/stretchr/testify/require"
)

func TestConnectionWriteLineAppendsCRLF(t *testing.T) {
	conn, bridge := newConnectedPair(t)

	require.NoError(t, conn.WriteLine([]byte(`{"a":1}`)))
	raw, err := bridge.reader.ReadString('\n')
	require.NoError(t, err)
	testutil.NewTextAsserter(t).Equal(raw, "{\"a\":1}\r\n")
}

func TestConnectionReadsUnsolicitedLine(t *testing.T) {
	conn, bridge := newConnectedPair(t)

	bridge.writeLine(t, []byte(`{"CommuniqueType":"ReadResponse","Header":{"Url":"/zone/1/status"}}`))

	select {
	case line := <-conn.Lines():
		require.NoError(t, line.Err)
		var env Envelope
		require.NoError(t, json.Unmarshal(line.Data, &env))
		require.Equal(t, "/zone/1/status", env.Header.Url)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for line")
	}
}

func TestConnectionDropsUndecodableLineAndKeepsReading(t *testing.T) {
	conn, bridge := newConnectedPair(t)

	bridge.writeLine(t, []byte(`not json`))
	bridge.writeLine(t, []byte(`{"CommuniqueType":"ReadResponse","Header":{"Url":"/ok"}}`))

	select {
	case line := <-conn.Lines():
		require.NoError(t, line.Err)
		var env Envelope
		require.NoError(t, json.Unmarshal(line.Data, &env))
		require.Equal(t, "/ok", env.Header.Url)
	case <-time.After(2 * time.Second):
		t.Fatal("the valid line after a bad one should still arrive")
	}
}

func TestConnectionHandlesLargeMessage(t *testing.T) {
	// §8 scenario 6: a /device response >=128KiB must decode, exercising
	// buffer growth beyond the 256KiB floor.
	conn, bridge := newConnectedPair(t)

	padding := strings.Repeat("x", 300*1024)
	payload, err := json.Marshal(map[string]string{
		"CommuniqueType": "ReadResponse",
		"padding":        padding,
	})
	require.NoError(t, err)
	bridge.writeLine(t, payload)

	select {
	case line := <-conn.Lines():
		require.NoError(t, line.Err)
		require.True(t, bytes.Equal(line.Data, payload))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for large message")
	}
}

func TestConnectionCloseResolvesReadLoop(t *testing.T) {
	conn, _ := newConnectedPair(t)
	require.NoError(t, conn.Close())

	select {
	case _, ok := <-conn.Lines():
		require.False(t, ok, "Lines() must close once the connection is closed")
	case <-time.After(2 * time.Second):
		t.Fatal("Lines() channel never closed")
	}
}

func TestLineAccumulatorGrowsAndExtractsLines(t *testing.T) {
	acc := newLineAccumulator(64)
	acc.feed([]byte("short\r\n"))
	line, ok := acc.popLine()
	require.True(t, ok)
	testutil.NewTextAsserter(t).Equal(string(line), "short")

	big := bytes.Repeat([]byte("y"), 1024)
	acc.feed(big)
	acc.feed([]byte("\r\n"))
	line, ok = acc.popLine()
	require.True(t, ok)
	require.Equal(t, big, line)
}
