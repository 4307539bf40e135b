package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeConn は Conn のテスト用実装です。受信は in チャネル、
// 送信されたフレームは wrote チャネルで観測します。
type fakeConn struct {
	in     chan []byte
	wrote  chan Frame
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		wrote:  make(chan Frame, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-c.in:
		if !ok {
			return 0, nil, errors.New("connection closed by peer")
		}
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	c.wrote <- frame
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return nil
}

func (c *fakeConn) SetReadDeadline(t time.Time) error   { return nil }
func (c *fakeConn) SetPongHandler(h func(string) error) {}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// sendJSON はクライアント側からのフレーム送信を模倣します。
func (c *fakeConn) sendJSON(t *testing.T, frame Frame) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("failed to marshal frame: %v", err)
	}
	c.in <- data
}

func (c *fakeConn) nextFrame(t *testing.T) Frame {
	t.Helper()
	select {
	case frame := <-c.wrote:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

type validatorStub struct {
	valid string
}

func (v validatorStub) ValidateChatToken(token string) bool {
	return token == v.valid
}

// scriptResponder は台本どおりに delta / tool_call を送出する Responder です。
type scriptResponder struct {
	deltas    []string
	tool      string
	leaveOpen bool // complete を送らず running のまま返す
	final     string
	err       error

	block     chan struct{} // 非nilの場合、close されるまで返らない
	started   chan struct{}
	calls     int32
	cancelled chan struct{}
}

func (r *scriptResponder) Respond(ctx context.Context, content string, em Emitter) (string, error) {
	atomic.AddInt32(&r.calls, 1)
	if r.started != nil {
		r.started <- struct{}{}
	}

	for _, d := range r.deltas {
		em.Delta(d)
	}
	if r.tool != "" {
		em.ToolCall(r.tool, ToolRunning)
	}

	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			if r.cancelled != nil {
				close(r.cancelled)
			}
			return "", ctx.Err()
		}
	}

	if r.tool != "" && !r.leaveOpen {
		em.ToolCall(r.tool, ToolComplete)
	}
	return r.final, r.err
}

func startSession(t *testing.T, conn Conn, validator TokenValidator, responder Responder) <-chan struct{} {
	t.Helper()
	session := NewSession(conn, validator, responder, log.New(io.Discard, "", 0))
	done := make(chan struct{})
	go func() {
		session.Run(context.Background())
		close(done)
	}()
	return done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate")
	}
}

func TestSessionAuthHandshake(t *testing.T) {
	conn := newFakeConn()
	responder := &scriptResponder{}
	done := startSession(t, conn, validatorStub{valid: "tok"}, responder)

	conn.sendJSON(t, Frame{Type: FrameAuth, SessionToken: "tok"})
	if frame := conn.nextFrame(t); frame.Type != FrameAuthOK {
		t.Fatalf("first frame = %s, want auth_ok", frame.Type)
	}

	close(conn.in)
	waitDone(t, done)
}

func TestSessionAuthFailureClosesConnection(t *testing.T) {
	conn := newFakeConn()
	responder := &scriptResponder{}
	done := startSession(t, conn, validatorStub{valid: "tok"}, responder)

	conn.sendJSON(t, Frame{Type: FrameAuth, SessionToken: "wrong"})
	if frame := conn.nextFrame(t); frame.Type != FrameError {
		t.Fatalf("frame = %s, want error", frame.Type)
	}
	waitDone(t, done)

	if atomic.LoadInt32(&responder.calls) != 0 {
		t.Fatal("responder was invoked for an unauthenticated connection")
	}
}

func TestSessionRejectsMessageBeforeAuth(t *testing.T) {
	conn := newFakeConn()
	responder := &scriptResponder{final: "ignored"}
	done := startSession(t, conn, validatorStub{valid: "tok"}, responder)

	conn.sendJSON(t, Frame{Type: FrameMessage, Content: "早すぎる"})
	if frame := conn.nextFrame(t); frame.Type != FrameError {
		t.Fatalf("frame = %s, want error", frame.Type)
	}
	if atomic.LoadInt32(&responder.calls) != 0 {
		t.Fatal("message before auth reached the responder")
	}

	// 拒否後も接続は生きており、認証はやり直せる
	conn.sendJSON(t, Frame{Type: FrameAuth, SessionToken: "tok"})
	if frame := conn.nextFrame(t); frame.Type != FrameAuthOK {
		t.Fatalf("frame = %s, want auth_ok", frame.Type)
	}

	close(conn.in)
	waitDone(t, done)
}

func TestSessionMessageFlow(t *testing.T) {
	conn := newFakeConn()
	responder := &scriptResponder{
		deltas: []string{"こん", "にち", "は"},
		final:  "こんにちは",
	}
	done := startSession(t, conn, validatorStub{valid: "tok"}, responder)

	conn.sendJSON(t, Frame{Type: FrameAuth, SessionToken: "tok"})
	if frame := conn.nextFrame(t); frame.Type != FrameAuthOK {
		t.Fatalf("frame = %s, want auth_ok", frame.Type)
	}

	conn.sendJSON(t, Frame{Type: FrameMessage, Content: "挨拶して"})

	var got string
	for {
		frame := conn.nextFrame(t)
		switch frame.Type {
		case FrameDelta:
			got += frame.Content
		case FrameDone:
			if frame.Content != "こんにちは" {
				t.Fatalf("done content = %q", frame.Content)
			}
			if got != "こんにちは" {
				t.Fatalf("concatenated deltas = %q", got)
			}
			close(conn.in)
			waitDone(t, done)
			return
		default:
			t.Fatalf("unexpected frame type %s", frame.Type)
		}
	}
}

func TestSessionRejectsMessageWhileBusy(t *testing.T) {
	conn := newFakeConn()
	responder := &scriptResponder{
		final:   "完了",
		block:   make(chan struct{}),
		started: make(chan struct{}, 4),
	}
	done := startSession(t, conn, validatorStub{valid: "tok"}, responder)

	conn.sendJSON(t, Frame{Type: FrameAuth, SessionToken: "tok"})
	if frame := conn.nextFrame(t); frame.Type != FrameAuthOK {
		t.Fatalf("frame = %s, want auth_ok", frame.Type)
	}

	conn.sendJSON(t, Frame{Type: FrameMessage, Content: "1通目"})
	<-responder.started

	// 生成中の2通目は拒否され、2つ目の生成は開始されない
	conn.sendJSON(t, Frame{Type: FrameMessage, Content: "2通目"})
	if frame := conn.nextFrame(t); frame.Type != FrameError {
		t.Fatalf("frame = %s, want error", frame.Type)
	}
	if got := atomic.LoadInt32(&responder.calls); got != 1 {
		t.Fatalf("responder invoked %d times, want 1", got)
	}

	close(responder.block)
	if frame := conn.nextFrame(t); frame.Type != FrameDone {
		t.Fatalf("frame = %s, want done", frame.Type)
	}

	// busy 解除後は次のメッセージを受け付ける
	time.Sleep(50 * time.Millisecond)
	conn.sendJSON(t, Frame{Type: FrameMessage, Content: "3通目"})
	if frame := conn.nextFrame(t); frame.Type != FrameDone {
		t.Fatalf("frame = %s, want done", frame.Type)
	}
	if got := atomic.LoadInt32(&responder.calls); got != 2 {
		t.Fatalf("responder invoked %d times, want 2", got)
	}

	close(conn.in)
	waitDone(t, done)
}

func TestSessionToolCallPairing(t *testing.T) {
	conn := newFakeConn()
	// running のまま返しても done の前に complete が補われる
	responder := &scriptResponder{
		tool:      "catalog_lookup",
		leaveOpen: true,
		final:     "調べました",
	}
	done := startSession(t, conn, validatorStub{valid: "tok"}, responder)

	conn.sendJSON(t, Frame{Type: FrameAuth, SessionToken: "tok"})
	conn.nextFrame(t) // auth_ok
	conn.sendJSON(t, Frame{Type: FrameMessage, Content: "カタログを調べて"})

	var sawRunning, sawComplete bool
	for {
		frame := conn.nextFrame(t)
		switch {
		case frame.Type == FrameToolCall && frame.Status == ToolRunning:
			sawRunning = true
		case frame.Type == FrameToolCall && frame.Status == ToolComplete:
			if !sawRunning {
				t.Fatal("complete arrived before running")
			}
			sawComplete = true
		case frame.Type == FrameDone:
			if !sawComplete {
				t.Fatal("done arrived before tool_call complete")
			}
			close(conn.in)
			waitDone(t, done)
			return
		default:
			t.Fatalf("unexpected frame: %+v", frame)
		}
	}
}

func TestSessionGenerationFailureSendsError(t *testing.T) {
	conn := newFakeConn()
	responder := &scriptResponder{err: errors.New("upstream unavailable")}
	done := startSession(t, conn, validatorStub{valid: "tok"}, responder)

	conn.sendJSON(t, Frame{Type: FrameAuth, SessionToken: "tok"})
	conn.nextFrame(t) // auth_ok
	conn.sendJSON(t, Frame{Type: FrameMessage, Content: "失敗して"})

	if frame := conn.nextFrame(t); frame.Type != FrameError {
		t.Fatalf("frame = %s, want error", frame.Type)
	}

	close(conn.in)
	waitDone(t, done)
}

func TestSessionMalformedFramesTolerance(t *testing.T) {
	conn := newFakeConn()
	done := startSession(t, conn, validatorStub{valid: "tok"}, &scriptResponder{})

	// 数回の不正フレームは読み捨てられ、接続は維持される
	for i := 0; i < maxMalformedFrames-1; i++ {
		conn.in <- []byte("not json")
	}
	conn.sendJSON(t, Frame{Type: FrameAuth, SessionToken: "tok"})
	if frame := conn.nextFrame(t); frame.Type != FrameAuthOK {
		t.Fatalf("frame = %s, want auth_ok", frame.Type)
	}

	close(conn.in)
	waitDone(t, done)
}

func TestSessionMalformedFramesDisconnect(t *testing.T) {
	conn := newFakeConn()
	done := startSession(t, conn, validatorStub{valid: "tok"}, &scriptResponder{})

	for i := 0; i < maxMalformedFrames; i++ {
		conn.in <- []byte("not json")
	}
	waitDone(t, done)
}

func TestSessionDisconnectCancelsGeneration(t *testing.T) {
	conn := newFakeConn()
	responder := &scriptResponder{
		block:     make(chan struct{}),
		started:   make(chan struct{}, 4),
		cancelled: make(chan struct{}),
	}
	done := startSession(t, conn, validatorStub{valid: "tok"}, responder)

	conn.sendJSON(t, Frame{Type: FrameAuth, SessionToken: "tok"})
	conn.nextFrame(t) // auth_ok
	conn.sendJSON(t, Frame{Type: FrameMessage, Content: "長い処理"})
	<-responder.started

	// 接続断で進行中の生成は放棄される
	close(conn.in)
	waitDone(t, done)

	select {
	case <-responder.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("generation was not cancelled on disconnect")
	}
}
