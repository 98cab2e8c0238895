// Package tail is the log tailer (C7): a backward block-scanning
// tail-head algorithm plus fsnotify-driven live streaming of a per-build
// log file until it is recreated.
package tail

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

const blockSize = 1024

// TailHead returns the last n separator-terminated (or terminal-partial)
// lines of the whole of f, whatever its current position, ported from GNU
// tail's backward block-scan (spec section 4.7). n = 0 or an empty file
// yields nil.
func TailHead(f *os.File, n int, sep byte) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}

	endPos, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}
	if endPos == 0 {
		return nil, nil
	}
	const startPos int64 = 0

	buf := make([]byte, blockSize)
	pos := endPos

	bytesRead := int((pos - startPos) % blockSize)
	if bytesRead == 0 {
		bytesRead = blockSize
	}

	pos -= int64(bytesRead)
	if _, err := f.Seek(pos, io.SeekStart); err != nil {
		return nil, err
	}
	bytesRead, err = f.Read(buf)
	if err != nil && err != io.EOF {
		return nil, err
	}
	if bytesRead > 0 && buf[bytesRead-1] != sep {
		n--
	}

	for {
		m := bytesRead
		for m > 0 {
			idx := lastIndexByte(buf[:m], sep)
			if idx < 0 {
				break
			}
			m = idx
			if n == 0 {
				v := append([]byte(nil), buf[m+1:bytesRead]...)
				rest := make([]byte, endPos-(pos+int64(bytesRead)))
				if len(rest) > 0 {
					if _, err := io.ReadFull(bufio.NewReader(f), rest); err != nil && err != io.EOF {
						return nil, err
					}
				}
				return append(v, rest...), nil
			}
			n--
		}

		if pos == startPos {
			if _, err := f.Seek(startPos, io.SeekStart); err != nil {
				return nil, err
			}
			v := make([]byte, endPos)
			if _, err := io.ReadFull(bufio.NewReader(f), v); err != nil && err != io.EOF {
				return nil, err
			}
			return v, nil
		}

		pos -= blockSize
		if _, err := f.Seek(pos, io.SeekStart); err != nil {
			return nil, err
		}
		bytesRead, err = f.Read(buf)
		if err != nil && err != io.EOF {
			return nil, err
		}
		if bytesRead == 0 {
			break
		}
	}

	return nil, nil
}

func lastIndexByte(b []byte, c byte) int {
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] == c {
			return i
		}
	}
	return -1
}

// EventType is the tag of a streamed Event (spec section 4.7).
type EventType string

const (
	EventText  EventType = "Text"
	EventError EventType = "Error"
	EventReset EventType = "Reset"
)

// Event is one item of the tail stream, JSON-encoded with a tag field `t`
// and content field `c` (absent for Reset).
type Event struct {
	Type    EventType
	Content string
}

func (e Event) MarshalJSON() ([]byte, error) {
	if e.Type == EventReset {
		return []byte(fmt.Sprintf(`{"t":%q}`, e.Type)), nil
	}
	return json.Marshal(struct {
		T EventType `json:"t"`
		C string    `json:"c"`
	}{T: e.Type, C: e.Content})
}

// Stream registers a watch on path and emits Events on the returned
// channel: the tail head first, then Text events for every subsequent
// modify, until path is recreated (a Reset event, after which the stream
// closes) or ctx is canceled. The channel is closed when the goroutine
// exits.
func Stream(ctx context.Context, path string, n int) (<-chan Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tail: open: %w", err)
	}

	head, err := TailHead(f, n, '\n')
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("tail: tail head: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("tail: watcher: %w", err)
	}
	// Watch the parent directory: a watch on the file itself follows its
	// inode and never sees a new file created at the same path.
	watchDir := filepath.Dir(path)
	name := filepath.Clean(path)
	if err := watcher.Add(watchDir); err != nil {
		watcher.Close()
		f.Close()
		return nil, fmt.Errorf("tail: watch %s: %w", watchDir, err)
	}

	out := make(chan Event, 8)
	out <- Event{Type: EventText, Content: string(head)}

	go func() {
		defer close(out)
		defer watcher.Close()
		defer f.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != name {
					continue
				}
				switch {
				case ev.Op&fsnotify.Write == fsnotify.Write:
					data, err := io.ReadAll(f)
					if err != nil {
						out <- Event{Type: EventError, Content: err.Error()}
						return
					}
					if len(data) > 0 {
						out <- Event{Type: EventText, Content: string(data)}
					}
				case ev.Op&fsnotify.Create == fsnotify.Create:
					out <- Event{Type: EventReset}
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				out <- Event{Type: EventError, Content: err.Error()}
				return
			}
		}
	}()

	return out, nil
}
