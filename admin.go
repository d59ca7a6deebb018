package forumsync

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/bobg/mid"
)

type AdminCmd struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

// Status is the response to a status request.
type Status struct {
	Watermark time.Time `json:"watermark"`
	Links     int       `json:"links"`
	Channels  int       `json:"channels"`
}

// OnStatus reports the link store's watermark and size.
func (s *Service) OnStatus(w http.ResponseWriter, req *http.Request) error {
	if req.Method != http.MethodGet {
		return mid.CodeErr{C: http.StatusMethodNotAllowed}
	}
	return mid.RespondJSON(w, Status{
		Watermark: s.Links.Watermark(),
		Links:     s.Links.Len(),
		Channels:  s.Bindings.Len(),
	})
}

// OnAdmin handles admin commands:
// "sync" triggers an outbound pass,
// "shutdown" calls the given function.
// Commands must carry the admin key; an empty key disables them all.
func (d *Driver) OnAdmin(key string, shutdown func()) func(context.Context, AdminCmd) error {
	return func(ctx context.Context, cmd AdminCmd) error {
		if key == "" || subtle.ConstantTimeCompare([]byte(cmd.Key), []byte(key)) != 1 {
			return mid.CodeErr{C: http.StatusUnauthorized}
		}
		switch cmd.Name {
		case "sync":
			d.Trigger()
			return nil

		case "shutdown":
			// In a goroutine, so this handler can finish,
			// which an http.Server shutdown waits for.
			go shutdown()
			return nil
		}

		return mid.CodeErr{
			C:   http.StatusBadRequest,
			Err: fmt.Errorf("unknown admin command %s", cmd.Name),
		}
	}
}
