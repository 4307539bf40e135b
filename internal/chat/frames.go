// Package chat は永続接続上のアシスタントチャット中継プロトコルを提供します。
//
// 1接続の状態遷移:
//
//	未認証 → (auth) → 認証済み(待機) → (message) → 認証済み(生成中)
//	→ (done/error 送出) → 認証済み(待機)
//
// 認証前の message は応答生成へ中継されません。生成中の message は
// error フレームで拒否され、2つ目の生成を開始しません。
// 接続断はセッションの終端です。進行中の生成は再開されず、
// クライアントは新しいセッションを張り直して再認証します。
package chat

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType はチャットフレームの種別です。
type FrameType string

const (
	FrameAuth     FrameType = "auth"
	FrameAuthOK   FrameType = "auth_ok"
	FrameMessage  FrameType = "message"
	FrameDelta    FrameType = "delta"
	FrameToolCall FrameType = "tool_call"
	FrameDone     FrameType = "done"
	FrameError    FrameType = "error"
	FramePing     FrameType = "ping"
	FramePong     FrameType = "pong"
)

// ToolStatus はツール呼び出しの進行状態です。
type ToolStatus string

const (
	ToolRunning  ToolStatus = "running"
	ToolComplete ToolStatus = "complete"
)

var (
	// ErrUnknownFrameType は未知のフレーム種別に対するエラーです。
	ErrUnknownFrameType = errors.New("unknown frame type")

	// ErrMalformedFrame は必須フィールドを欠くフレームに対するエラーです。
	ErrMalformedFrame = errors.New("malformed frame")
)

// Frame はワイヤ上のJSONフレームです。type ごとに使用するフィールドが異なります。
type Frame struct {
	Type FrameType `json:"type"`

	// auth
	SessionToken string `json:"sessionToken,omitempty"`

	// message / delta / done
	Content string `json:"content,omitempty"`

	// error
	Message string `json:"message,omitempty"`

	// tool_call
	Name   string     `json:"name,omitempty"`
	Status ToolStatus `json:"status,omitempty"`
}

// ParseFrame は受信バイト列をフレームへ復号し、種別ごとの必須フィールドを検証します。
// 未知の種別は ErrUnknownFrameType を返し、呼び出し側がプロトコル違反として扱います。
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch f.Type {
	case FrameAuth:
		if f.SessionToken == "" {
			return Frame{}, fmt.Errorf("%w: auth frame requires sessionToken", ErrMalformedFrame)
		}
	case FrameMessage:
		if f.Content == "" {
			return Frame{}, fmt.Errorf("%w: message frame requires content", ErrMalformedFrame)
		}
	case FrameToolCall:
		if f.Name == "" || (f.Status != ToolRunning && f.Status != ToolComplete) {
			return Frame{}, fmt.Errorf("%w: tool_call frame requires name and status", ErrMalformedFrame)
		}
	case FrameAuthOK, FrameDelta, FrameDone, FrameError, FramePing, FramePong:
		// 追加の必須フィールドなし
	default:
		return Frame{}, fmt.Errorf("%w: %q", ErrUnknownFrameType, f.Type)
	}
	return f, nil
}
