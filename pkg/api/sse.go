package api

import (
	"fmt"
	"io"
	"strconv"

	"github.com/lsst-sqre/nublado/pkg/events"
)

// writeSSE frames ev per the text/event-stream wire format, with id: set
// so a reconnecting client's Last-Event-ID resumes correctly.
func writeSSE(w io.Writer, ev events.Event) {
	fmt.Fprintf(w, "id: %s\n", strconv.FormatUint(ev.ID, 10))
	fmt.Fprintf(w, "event: %s\n", ev.Kind)
	fmt.Fprintf(w, "data: %s\n\n", sseData(ev))
}

func sseData(ev events.Event) string {
	b, err := jsonMarshal(struct {
		Message  string `json:"message"`
		Progress int    `json:"progress,omitempty"`
	}{Message: ev.Message, Progress: ev.Progress})
	if err != nil {
		return ev.Message
	}
	return string(b)
}
