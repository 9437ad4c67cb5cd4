package bridge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc/codes"

	"github.com/fireflycore/go-nacos-bridge/frame"
	"github.com/fireflycore/go-nacos-bridge/payload"
)

const subscribeBody = `{"serviceInfo":{"name":"svcA","hosts":[{"ip":"10.0.0.1","port":8080},{"ip":"10.0.0.2","port":8081}]}}`

type recordingCallbacks struct {
	replies []LocalReply
}

func (r *recordingCallbacks) SendLocalReply(reply LocalReply) {
	r.replies = append(r.replies, reply)
}

type outcome struct {
	direction Direction
	state     State
}

type recordingObserver struct {
	outcomes []outcome
}

func (r *recordingObserver) ObserveMessage(d Direction, s State) {
	r.outcomes = append(r.outcomes, outcome{d, s})
}

func encodeEnvelope(t *testing.T, env *payload.Envelope) []byte {
	t.Helper()

	p, err := payload.Encode(env)
	require.NoError(t, err)
	f, err := frame.Encode(0x00, p)
	require.NoError(t, err)
	return f
}

func newResponseOrchestrator(t *testing.T, obs Observer) (*Orchestrator, *recordingCallbacks) {
	t.Helper()

	cb := &recordingCallbacks{}
	o := New(NewConfig(DefaultRewriteTypes, WithObserver(obs)), "stream-1", Response, cb)
	o.OnHeaders(true)
	return o, cb
}

func decodeHosts(t *testing.T, framed []byte) (*payload.Envelope, map[string]any) {
	t.Helper()

	f, err := frame.Decode(framed)
	require.NoError(t, err)
	env, err := payload.Decode(f.Payload)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(env.BodyValue(), &doc))
	return env, doc
}

func TestOrchestrator_RewritesSubscribeResponse(t *testing.T) {
	obs := &recordingObserver{}
	o, cb := newResponseOrchestrator(t, obs)

	in := payload.New(TypeSubscribeServiceResponse, []byte(subscribeBody))
	in.Metadata.ClientIP = "10.1.1.1"
	in.Metadata.Headers = map[string]string{"k": "v"}
	in.Body.TypeUrl = "type.googleapis.com/com.alibaba.nacos.SubscribeServiceResponse"
	original := encodeEnvelope(t, in)

	chunk := NewOwnedBuffer(original)
	require.Equal(t, Continue, o.OnData(chunk, true))
	assert.Equal(t, Rewritten, o.State())
	assert.Empty(t, cb.replies)

	out := chunk.Bytes()
	assert.Equal(t, byte(0x00), out[0])
	f, err := frame.Decode(out)
	require.NoError(t, err, "re-framed length must match payload")
	assert.Equal(t, uint32(len(out)-frame.HeaderSize), f.Length)

	env, doc := decodeHosts(t, out)
	assert.Equal(t, TypeSubscribeServiceResponse, env.Type())
	assert.Equal(t, "10.1.1.1", env.Metadata.ClientIP)
	assert.Equal(t, map[string]string{"k": "v"}, env.Metadata.Headers)
	assert.Equal(t, in.Body.TypeUrl, env.Body.GetTypeUrl())

	hosts := doc["serviceInfo"].(map[string]any)["hosts"].([]any)
	require.Len(t, hosts, 2)
	assert.Equal(t, "svcA", hosts[0].(map[string]any)["ip"])
	assert.Equal(t, float64(8080), hosts[0].(map[string]any)["port"])
	assert.Equal(t, "svcA", hosts[1].(map[string]any)["ip"])
	assert.Equal(t, float64(8081), hosts[1].(map[string]any)["port"])

	assert.Equal(t, []outcome{{Response, Rewritten}}, obs.outcomes)
}

func TestOrchestrator_NotifySubscriberIsTarget(t *testing.T) {
	o, _ := newResponseOrchestrator(t, nil)

	chunk := NewOwnedBuffer(encodeEnvelope(t, payload.New(TypeNotifySubscriberRequest, []byte(subscribeBody))))
	require.Equal(t, Continue, o.OnData(chunk, true))
	assert.Equal(t, Rewritten, o.State())
}

func TestOrchestrator_NonTargetPassesThroughByteForByte(t *testing.T) {
	o, _ := newResponseOrchestrator(t, nil)

	original := encodeEnvelope(t, payload.New("InstanceResponse", []byte(subscribeBody)))
	chunk := NewOwnedBuffer(original)

	require.Equal(t, Continue, o.OnData(chunk, true))
	assert.Equal(t, Unchanged, o.State())
	assert.Equal(t, original, chunk.Bytes())
}

func TestOrchestrator_SchemaFailureForwardsOriginal(t *testing.T) {
	o, _ := newResponseOrchestrator(t, nil)

	original := encodeEnvelope(t, payload.New(TypeSubscribeServiceResponse, []byte(`{"serviceInfo":{"name":"svcA"}}`)))
	chunk := NewOwnedBuffer(original)

	require.Equal(t, Continue, o.OnData(chunk, true))
	assert.Equal(t, Unchanged, o.State())
	assert.Equal(t, original, chunk.Bytes())
}

func TestOrchestrator_UndecodableFallbacks(t *testing.T) {
	valid := encodeEnvelope(t, payload.New(TypeSubscribeServiceResponse, []byte(subscribeBody)))
	compressed := append([]byte(nil), valid...)
	compressed[0] = 0x01
	badPayload, err := frame.Encode(0x00, []byte{0x12, 0x05, 0x1a})
	require.NoError(t, err)
	badJSON := encodeEnvelope(t, payload.New(TypeSubscribeServiceResponse, []byte(`{"serviceInfo":`)))

	cases := map[string][]byte{
		"length mismatch": valid[:len(valid)-1],
		"compressed":      compressed,
		"bad payload":     badPayload,
		"bad json":        badJSON,
	}

	for name, original := range cases {
		t.Run(name, func(t *testing.T) {
			o, cb := newResponseOrchestrator(t, nil)
			chunk := NewOwnedBuffer(original)

			require.Equal(t, Continue, o.OnData(chunk, true))
			assert.Equal(t, Unchanged, o.State())
			assert.Equal(t, original, chunk.Bytes())
			assert.Empty(t, cb.replies)
		})
	}
}

func TestOrchestrator_RejectsUndersizedBody(t *testing.T) {
	obs := &recordingObserver{}
	o, cb := newResponseOrchestrator(t, obs)

	chunk := NewOwnedBuffer([]byte{0x00, 0x00, 0x01})
	require.Equal(t, StopIterationNoBuffer, o.OnData(chunk, true))
	assert.Equal(t, Rejected, o.State())
	assert.Zero(t, chunk.Len())

	require.Len(t, cb.replies, 1)
	assert.Equal(t, LocalReply{
		HTTPStatus: 200,
		GRPCStatus: codes.Unknown,
		Body:       "invalid response body",
		Details:    DetailsDataTooSmall,
	}, cb.replies[0])
	assert.Equal(t, []outcome{{Response, Rejected}}, obs.outcomes)
}

func TestOrchestrator_BuffersUntilEndOfMessage(t *testing.T) {
	o, _ := newResponseOrchestrator(t, nil)
	original := encodeEnvelope(t, payload.New(TypeSubscribeServiceResponse, []byte(subscribeBody)))

	// 前两个字节单独到达：不足帧头也不能提前拒绝。
	first := NewOwnedBuffer(original[:2])
	require.Equal(t, StopIterationNoBuffer, o.OnData(first, false))
	assert.Zero(t, first.Len())
	assert.Equal(t, Buffering, o.State())

	second := NewOwnedBuffer(original[2:10])
	require.Equal(t, StopIterationNoBuffer, o.OnData(second, false))
	assert.Zero(t, second.Len())

	last := NewOwnedBuffer(original[10:])
	require.Equal(t, Continue, o.OnData(last, true))
	assert.Equal(t, Rewritten, o.State())

	_, doc := decodeHosts(t, last.Bytes())
	hosts := doc["serviceInfo"].(map[string]any)["hosts"].([]any)
	assert.Equal(t, "svcA", hosts[0].(map[string]any)["ip"])
}

func TestOrchestrator_CyclesAcrossMessages(t *testing.T) {
	obs := &recordingObserver{}
	o, _ := newResponseOrchestrator(t, obs)

	rewritable := encodeEnvelope(t, payload.New(TypeSubscribeServiceResponse, []byte(subscribeBody)))
	other := encodeEnvelope(t, payload.New("HealthCheckResponse", []byte(`{}`)))

	require.Equal(t, Continue, o.OnData(NewOwnedBuffer(rewritable), true))
	chunk := NewOwnedBuffer(other)
	require.Equal(t, Continue, o.OnData(chunk, true))
	assert.Equal(t, other, chunk.Bytes())
	require.Equal(t, Continue, o.OnData(NewOwnedBuffer(rewritable), true))

	assert.Equal(t, []outcome{{Response, Rewritten}, {Response, Unchanged}, {Response, Rewritten}}, obs.outcomes)
}

func TestOrchestrator_RequestDirectionNeverRewrites(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	cb := &recordingCallbacks{}
	o := New(NewConfig(DefaultRewriteTypes, WithLogger(zap.New(core))), "", Request, cb)
	o.OnHeaders(true)

	original := encodeEnvelope(t, payload.New(TypeSubscribeServiceResponse, []byte(subscribeBody)))
	chunk := NewOwnedBuffer(original)
	require.Equal(t, Continue, o.OnData(chunk, true))
	assert.Equal(t, Unchanged, o.State())
	assert.Equal(t, original, chunk.Bytes())

	entries := logs.FilterMessage("request payload").All()
	require.Len(t, entries, 1)
	assert.Equal(t, TypeSubscribeServiceResponse, entries[0].ContextMap()["type"])

	// 请求方向同样拒绝过小的 body。
	require.Equal(t, StopIterationNoBuffer, o.OnData(NewOwnedBuffer([]byte{0x00}), true))
	require.Len(t, cb.replies, 1)
	assert.Equal(t, "invalid request body", cb.replies[0].Body)
}

func TestOrchestrator_PassThroughStream(t *testing.T) {
	cb := &recordingCallbacks{}
	o := New(NewConfig(DefaultRewriteTypes), "s", Response, cb)
	o.OnHeaders(false)
	// 分类只做一次。
	o.OnHeaders(true)
	assert.Equal(t, PassThrough, o.State())

	chunk := NewOwnedBuffer([]byte{0x01})
	require.Equal(t, Continue, o.OnData(chunk, true))
	assert.Equal(t, []byte{0x01}, chunk.Bytes())
	assert.Empty(t, cb.replies)
}

func TestOrchestrator_DataBeforeHeadersPassesThrough(t *testing.T) {
	o := New(NewConfig(DefaultRewriteTypes), "s", Response, &recordingCallbacks{})

	chunk := NewOwnedBuffer([]byte{0x00})
	require.Equal(t, Continue, o.OnData(chunk, false))
	assert.Equal(t, PassThrough, o.State())
	assert.Equal(t, []byte{0x00}, chunk.Bytes())
}

func TestOrchestrator_DestroyReleasesState(t *testing.T) {
	obs := &recordingObserver{}
	o, cb := newResponseOrchestrator(t, obs)

	require.Equal(t, StopIterationNoBuffer, o.OnData(NewOwnedBuffer([]byte{0x00, 0x00}), false))
	o.OnDestroy()

	chunk := NewOwnedBuffer([]byte{0x00})
	require.Equal(t, Continue, o.OnData(chunk, true))
	assert.Empty(t, cb.replies)
	assert.Empty(t, obs.outcomes)
}

func TestOrchestrator_TrailersDropIncompleteMessage(t *testing.T) {
	o, _ := newResponseOrchestrator(t, nil)

	require.Equal(t, StopIterationNoBuffer, o.OnData(NewOwnedBuffer([]byte{0x00, 0x00}), false))
	assert.Equal(t, Continue, o.OnTrailers())

	// 新消息不受上一条残留数据影响。
	original := encodeEnvelope(t, payload.New("Other", nil))
	chunk := NewOwnedBuffer(original)
	require.Equal(t, Continue, o.OnData(chunk, true))
	assert.Equal(t, original, chunk.Bytes())
}

func TestConfig_RewriteTypes(t *testing.T) {
	cfg := NewConfig([]string{"b", "a"})
	assert.Equal(t, []string{"a", "b"}, cfg.RewriteTypes())
	assert.True(t, cfg.IsRewriteTarget("a"))
	assert.False(t, cfg.IsRewriteTarget("c"))
	assert.False(t, NewConfig(nil).IsRewriteTarget(TypeSubscribeServiceResponse))
}

func TestIsGrpcContentType(t *testing.T) {
	for ct, want := range map[string]bool{
		"application/grpc":             true,
		"application/grpc+proto":       true,
		"application/grpc;charset=utf": true,
		"Application/GRPC":             true,
		"application/grpc-web":         false,
		"application/json":             false,
		"":                             false,
	} {
		assert.Equal(t, want, IsGrpcContentType(ct), ct)
	}
}
