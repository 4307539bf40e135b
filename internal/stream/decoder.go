package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
)

const dataPrefix = "data:"

// Decoder はチャンク境界を許容するストリーム復号器です。
// 受信バイト列を内部バッファへ蓄積し、改行で区切って `data:` 行のみを
// イベントとして取り出します。行末の未完データは次の Feed まで保持します。
// `data:` 以外の行（コメント・キープアライブ等）はエラーにせず読み捨てます。
type Decoder struct {
	buf []byte
}

// Feed はチャンクを1つ取り込み、完結したイベントのJSONペイロードを返します。
// チャンクが行やイベントの途中で切れていても安全です。
func (d *Decoder) Feed(chunk []byte) []json.RawMessage {
	d.buf = append(d.buf, chunk...)

	var events []json.RawMessage
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			// 未完の行は次のチャンクを待つ
			return events
		}
		line := d.buf[:idx]
		d.buf = d.buf[idx+1:]

		line = bytes.TrimSuffix(line, []byte("\r"))
		if !bytes.HasPrefix(line, []byte(dataPrefix)) {
			continue
		}
		payload := bytes.TrimSpace(line[len(dataPrefix):])
		if len(payload) == 0 {
			continue
		}
		events = append(events, json.RawMessage(append([]byte(nil), payload...)))
	}
}

// Decode は r を読み切るまでイベントを fn へ渡します。
// fn がエラーを返した場合は読み取りを打ち切ってそのエラーを返します。
// ストリーム終端（EOF）は正常終了として nil を返します。
func Decode(ctx context.Context, r io.Reader, fn func(json.RawMessage) error) error {
	var dec Decoder
	buf := make([]byte, 4096)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			for _, payload := range dec.Feed(buf[:n]) {
				if ferr := fn(payload); ferr != nil {
					return ferr
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
