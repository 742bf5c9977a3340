package smtpconn

import (
	"bytes"
	"io"

	"github.com/rs/zerolog"
)

// wireWriter forwards the raw SMTP dialogue to the structured log, one event
// per line, under the "wire" type. It buffers partial lines between writes.
type wireWriter struct {
	log zerolog.Logger
	buf bytes.Buffer
}

func newWireWriter(log zerolog.Logger) io.Writer {
	return &wireWriter{log: log}
}

func (w *wireWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)

	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Partial line, keep it for the next write.
			w.buf.WriteString(line)
			break
		}
		w.log.Debug().
			Str("type", "wire").
			Msg(string(bytes.TrimRight([]byte(line), "\r\n")))
	}
	return len(p), nil
}
