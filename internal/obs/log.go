package obs

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var (
	mu           sync.Mutex
	base         = log.New(os.Stdout, "", 0)
	debugEnabled atomic.Bool
)

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) { debugEnabled.Store(v) }

// SetOutput redirects all log lines to w.
func SetOutput(w io.Writer) {
	mu.Lock()
	base.SetOutput(w)
	mu.Unlock()
}

// Fields are the structured attributes of one log line.
type Fields map[string]any

// Err adds err under "err" when it is non-nil and returns f for chaining.
func (f Fields) Err(err error) Fields {
	if err != nil {
		f["err"] = err.Error()
	}
	return f
}

func logWith(level, event string, f Fields) {
	line := make(Fields, len(f)+3)
	for k, v := range f {
		line[k] = v
	}
	line["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	line["level"] = level
	line["msg"] = event
	b, err := json.Marshal(line)
	mu.Lock()
	defer mu.Unlock()
	if err != nil {
		base.Printf("{\"level\":\"error\",\"msg\":\"log marshal failure\",\"err\":%q}", err.Error())
		return
	}
	base.Println(string(b))
}

func Info(event string, f Fields)  { logWith("info", event, f) }
func Warn(event string, f Fields)  { logWith("warn", event, f) }
func Error(event string, f Fields) { logWith("error", event, f) }
func Debug(event string, f Fields) {
	if debugEnabled.Load() {
		logWith("debug", event, f)
	}
}
