package controllers

import (
	"net/http"

	"github.com/rzbill/runnel/internal/jsoncodec"
)

// sseSink writes records as Server-Sent Events.
type sseSink struct {
	w http.ResponseWriter
}

func newSSESink(w http.ResponseWriter) sseSink {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return sseSink{w: w}
}

// Send writes one data event.
func (s sseSink) Send(m messageJSON) error {
	b, err := jsoncodec.Marshal(m)
	if err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	_, err = s.w.Write([]byte("\n\n"))
	return err
}

// Ping writes a comment line so idle connections are kept open.
func (s sseSink) Ping() error {
	_, err := s.w.Write([]byte(": ping\n\n"))
	return err
}

func (s sseSink) Flush() {
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
}
