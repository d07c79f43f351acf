package recognizer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/MrWong99/speechlink/pkg/audio"
)

// uploader streams an audio source to the service, one binary message per
// chunk, in source order. There is no end-of-audio marker; the service detects
// the end of the utterance from the audio itself.
type uploader struct {
	s   *session
	src audio.Source

	// sent is the number of chunks written. Read only after run returns.
	sent int
}

// run drains the source. Exhaustion and a closed connection both end the
// upload without error; only a failing source or encoder is reported.
func (u *uploader) run(ctx context.Context) error {
	for {
		chunk, err := u.src.NextChunk()
		if errors.Is(err, io.EOF) || (err == nil && len(chunk) == 0) {
			u.s.log.Debug("audio exhausted", "chunks", u.sent)
			return nil
		}
		if err != nil {
			return fmt.Errorf("recognizer: read audio: %w", err)
		}

		if err := u.s.sendAudio(ctx, chunk); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, errConnClosed) {
				u.s.log.Info("connection closed during upload", "chunks", u.sent, "err", err)
				return nil
			}
			return fmt.Errorf("recognizer: send audio: %w", err)
		}
		u.sent++
	}
}
