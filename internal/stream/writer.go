// Package stream は進捗イベントの行区切りワイヤ形式を提供します。
// サーバー側は1イベントを `data: <json>` 行と空行で書き出し、
// クライアント側は任意のチャンク境界を許容して復号します。
package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Writer はイベントを text/event-stream 形式で書き出します。
// 1つの接続への書き込みは呼び出し側で直列化してください。
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter は Writer を作成します。w が http.Flusher を実装する場合、
// イベントごとにフラッシュします。
func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

// WriteEvent は v をJSONにして1イベントとして書き出します。
func (w *Writer) WriteEvent(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w.w, "data: %s\n\n", data); err != nil {
		return err
	}
	w.flush()
	return nil
}

// WriteComment はコメント行を書き出します。キープアライブに使用します。
// 復号側はコメント行を無視します。
func (w *Writer) WriteComment(comment string) error {
	if _, err := fmt.Fprintf(w.w, ": %s\n\n", comment); err != nil {
		return err
	}
	w.flush()
	return nil
}

func (w *Writer) flush() {
	if w.flusher != nil {
		w.flusher.Flush()
	}
}
