// Package assistant はチャット応答生成のOpenAI実装を提供します。
package assistant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/yourusername/ops-console/internal/chat"
)

const (
	// DefaultModel はデフォルトで使用するOpenAIモデル
	DefaultModel = "gpt-4o-mini"

	// DefaultTimeout は1応答あたりの生成タイムアウト
	DefaultTimeout = 120 * time.Second
)

var (
	// ErrAPIKeyNotSet はAPIキーが設定されていない場合のエラー
	ErrAPIKeyNotSet = errors.New("OpenAI API key not set")
)

// OpenAIResponder は Chat Completions のストリーミングAPIで応答を生成し、
// 増分を delta として Emitter へ送出します。
type OpenAIResponder struct {
	client  openai.Client
	model   string
	timeout time.Duration
}

// NewOpenAIResponder はAPIキーとモデルを指定して OpenAIResponder を作成します。
func NewOpenAIResponder(apiKey, model string) (*OpenAIResponder, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}
	if model == "" {
		model = DefaultModel
	}

	client := openai.NewClient(option.WithAPIKey(apiKey))

	return &OpenAIResponder{
		client:  client,
		model:   model,
		timeout: DefaultTimeout,
	}, nil
}

// SetTimeout は生成タイムアウトを設定します。
func (r *OpenAIResponder) SetTimeout(timeout time.Duration) {
	r.timeout = timeout
}

// Respond は content への応答をストリーミング生成します。
// 増分は em.Delta へ送出し、最終本文を返します。
// ctx のキャンセル（接続断）でストリームを中断します。
func (r *OpenAIResponder) Respond(ctx context.Context, content string, em chat.Emitter) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(r.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(content),
		},
	}

	stream := r.client.Chat.Completions.NewStreaming(ctx, params)
	acc := openai.ChatCompletionAccumulator{}

	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) > 0 {
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				em.Delta(delta)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}

	if len(acc.Choices) == 0 {
		return "", fmt.Errorf("no completion choices returned")
	}
	return acc.Choices[0].Message.Content, nil
}

// インターフェース実装の確認
var _ chat.Responder = (*OpenAIResponder)(nil)
