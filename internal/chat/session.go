package chat

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	pingInterval  = 30 * time.Second
	readTimeout   = 90 * time.Second
	writeTimeout  = 10 * time.Second
	sendQueueSize = 64

	// 復号できないフレームがこの回数に達したら接続を切ります
	maxMalformedFrames = 5
)

// TokenValidator はチャット認証トークンを帯域外で検証します。
// 実装は internal/auth の Manager です。
type TokenValidator interface {
	ValidateChatToken(token string) bool
}

// Emitter は応答生成側が増分出力とツール進行を送出するためのハンドルです。
type Emitter interface {
	Delta(content string)
	ToolCall(name string, status ToolStatus)
}

// Responder は1メッセージ分の応答を生成する外部コラボレーターです。
// 戻り値は最終本文です（deltaの連結と一致しなくてもかまいません）。
// ctx のキャンセル（接続断）で生成を中断する責務を持ちます。
type Responder interface {
	Respond(ctx context.Context, content string, em Emitter) (string, error)
}

// Conn は websocket.Conn のうちセッションが使用する操作です。
// テストではフェイク実装を差し込みます。
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Session は1接続分のチャットプロトコルを実行します。
// 読み取りは Run の goroutine、書き込みは専用の writeLoop goroutine が
// 1本で担い、同一接続への並行書き込みを防ぎます。
type Session struct {
	ID string

	conn      Conn
	validator TokenValidator
	responder Responder
	logger    *log.Logger

	send chan Frame

	mu        sync.Mutex
	authed    bool
	busy      bool
	malformed int
}

// NewSession は Session を作成します。
func NewSession(conn Conn, validator TokenValidator, responder Responder, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.Default()
	}
	return &Session{
		ID:        uuid.NewString(),
		conn:      conn,
		validator: validator,
		responder: responder,
		logger:    logger,
		send:      make(chan Frame, sendQueueSize),
	}
}

// Run はセッションを実行し、接続が閉じるまでブロックします。
// 復帰時には進行中の生成もキャンセルされます（接続断で生成は放棄される仕様）。
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.conn.Close()

	_ = s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop(ctx)
	}()

	s.readLoop(ctx)
	cancel()
	wg.Wait()
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		frame, perr := ParseFrame(data)
		if perr != nil {
			// 不正フレームは読み捨てるが、繰り返す相手は切断する
			s.mu.Lock()
			s.malformed++
			count := s.malformed
			s.mu.Unlock()
			s.logger.Printf("chat session %s: dropped malformed frame (%d): %v", s.ID, count, perr)
			if count >= maxMalformedFrames {
				return
			}
			continue
		}

		if !s.handleFrame(ctx, frame) {
			return
		}
	}
}

// handleFrame は受信フレームを処理します。戻り値 false で接続を閉じます。
func (s *Session) handleFrame(ctx context.Context, frame Frame) bool {
	switch frame.Type {
	case FrameAuth:
		return s.handleAuth(ctx, frame)
	case FrameMessage:
		s.handleMessage(ctx, frame)
		return true
	case FramePong:
		// 旧クライアントのJSON pong。状態への影響なし
		return true
	default:
		// クライアントが送ってよいのは auth / message / pong のみ
		s.logger.Printf("chat session %s: unexpected client frame type=%s", s.ID, frame.Type)
		return true
	}
}

// handleAuth は認証フレームを処理します。
// 検証に失敗した接続は error フレームを送って閉じます（以後のフレームを
// 黙って受け続けることはしません）。
func (s *Session) handleAuth(ctx context.Context, frame Frame) bool {
	s.mu.Lock()
	alreadyAuthed := s.authed
	s.mu.Unlock()
	if alreadyAuthed {
		return true
	}

	if !s.validator.ValidateChatToken(frame.SessionToken) {
		s.logger.Printf("chat session %s: auth failed", s.ID)
		s.enqueue(ctx, Frame{Type: FrameError, Message: "認証に失敗しました。再ログインしてください。"})
		// error フレームの送出を待ってから閉じる
		s.drainSend()
		return false
	}

	s.mu.Lock()
	s.authed = true
	s.mu.Unlock()
	s.enqueue(ctx, Frame{Type: FrameAuthOK})
	return true
}

// handleMessage は message フレームを処理します。
// 未認証・生成中の message は error フレームで拒否し、生成側には一切渡しません。
func (s *Session) handleMessage(ctx context.Context, frame Frame) {
	s.mu.Lock()
	if !s.authed {
		s.mu.Unlock()
		s.enqueue(ctx, Frame{Type: FrameError, Message: "認証されていません。"})
		return
	}
	if s.busy {
		s.mu.Unlock()
		s.enqueue(ctx, Frame{Type: FrameError, Message: "応答の生成中です。完了後に送信してください。"})
		return
	}
	s.busy = true
	s.mu.Unlock()

	go s.generate(ctx, frame.Content)
}

// generate は1メッセージ分の応答生成を実行します。
// 完了時に busy を解除して待機状態へ戻ります。
func (s *Session) generate(ctx context.Context, content string) {
	defer func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}()

	em := &sessionEmitter{session: s, ctx: ctx, open: make(map[string]bool)}
	final, err := s.responder.Respond(ctx, content, em)

	// done/error の前に、未完了の tool_call に complete を対にして送る
	em.closeOpenTools()

	if err != nil {
		if ctx.Err() != nil {
			// 接続断による中断。送り先はもういない
			return
		}
		s.logger.Printf("chat session %s: generation failed: %v", s.ID, err)
		s.enqueue(ctx, Frame{Type: FrameError, Message: "応答の生成に失敗しました。"})
		return
	}
	s.enqueue(ctx, Frame{Type: FrameDone, Content: final})
}

// enqueue は送信キューへフレームを積みます。接続断時は破棄します。
func (s *Session) enqueue(ctx context.Context, frame Frame) {
	select {
	case s.send <- frame:
	case <-ctx.Done():
	}
}

// drainSend は送信キューが掃けるまで短時間待ちます。切断直前の用途です。
func (s *Session) drainSend() {
	deadline := time.After(writeTimeout)
	for {
		if len(s.send) == 0 {
			return
		}
		select {
		case <-deadline:
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// writeLoop は送信キューを1本の goroutine で書き出します。
// 同一接続への書き込みはここ以外では行いません。
func (s *Session) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-s.send:
			data, err := json.Marshal(frame)
			if err != nil {
				s.logger.Printf("chat session %s: failed to marshal frame: %v", s.ID, err)
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// sessionEmitter はフレーム送出と tool_call の running/complete 対応を管理します。
type sessionEmitter struct {
	session *Session
	ctx     context.Context

	mu   sync.Mutex
	open map[string]bool // running のまま complete が来ていないツール名
}

func (e *sessionEmitter) Delta(content string) {
	if content == "" {
		return
	}
	e.session.enqueue(e.ctx, Frame{Type: FrameDelta, Content: content})
}

func (e *sessionEmitter) ToolCall(name string, status ToolStatus) {
	e.mu.Lock()
	switch status {
	case ToolRunning:
		e.open[name] = true
	case ToolComplete:
		delete(e.open, name)
	}
	e.mu.Unlock()
	e.session.enqueue(e.ctx, Frame{Type: FrameToolCall, Name: name, Status: status})
}

// closeOpenTools は running のまま残ったツールへ complete を送ります。
func (e *sessionEmitter) closeOpenTools() {
	e.mu.Lock()
	var names []string
	for name := range e.open {
		names = append(names, name)
	}
	e.open = make(map[string]bool)
	e.mu.Unlock()

	for _, name := range names {
		e.session.enqueue(e.ctx, Frame{Type: FrameToolCall, Name: name, Status: ToolComplete})
	}
}
