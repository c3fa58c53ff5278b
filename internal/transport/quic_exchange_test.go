package transport

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/malbeclabs/linkbench/internal/wire"
	"github.com/stretchr/testify/require"
)

// recordingStream serves a canned reply and notes when the request was written.
type recordingStream struct {
	reply   *bytes.Reader
	written bytes.Buffer
	onWrite func()
	closed  bool
}

func (s *recordingStream) Write(p []byte) (int, error) {
	s.onWrite()
	return s.written.Write(p)
}

func (s *recordingStream) Read(p []byte) (int, error) { return s.reply.Read(p) }

func (s *recordingStream) Close() error {
	s.closed = true
	return nil
}

func TestTransport_QUIC_ExchangeStampsSentAtAtWrite(t *testing.T) {
	t.Parallel()

	codec := wire.BinaryCodec{}
	req := &wire.Message{Kind: wire.KindRequest, Seq: 3, Symbol: "BTC-USD"}
	payload, err := codec.Marshal(req)
	require.NoError(t, err)
	replyPayload, err := codec.Marshal(req.Reply())
	require.NoError(t, err)
	var replyFrame bytes.Buffer
	require.NoError(t, wire.WriteFrame(&replyFrame, replyPayload))

	// The clock only moves when the request hits the stream.
	beforeWrite := time.Unix(1_700_000_000, 0)
	afterWrite := beforeWrite.Add(2 * time.Millisecond)
	now := beforeWrite
	stamps := 0

	stream := &recordingStream{reply: bytes.NewReader(replyFrame.Bytes())}
	stream.onWrite = func() { now = afterWrite }

	r := &QUICRequester{codec: codec, nowFunc: func() time.Time {
		stamps++
		return now
	}}

	rt, err := r.exchange(context.Background(), stream, req, payload)
	require.NoError(t, err)
	require.Equal(t, beforeWrite, rt.SentAt)
	require.Equal(t, afterWrite, rt.ReceivedAt)
	require.Equal(t, 2*time.Millisecond, rt.Latency())
	require.Equal(t, 2, stamps)
	require.True(t, stream.closed)

	sent, err := wire.ReadFrame(&stream.written)
	require.NoError(t, err)
	require.Equal(t, payload, sent)
}
