package rtserver

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/HiImSmiley/socketleyd/internal/runtime"
)

// smallFileCeiling is the size below which a served file is cached
// in-process rather than re-read from disk on every request (spec §4.4
// "optional in-process small-file cache").
const smallFileCeiling = 64 * 1024

// staticCache serves files under a configured directory for a server
// runtime's plain-HTTP GET path (spec §4.4).
type staticCache struct {
	dir string

	mu    sync.Mutex
	files map[string][]byte
}

func newStaticCache(dir string) *staticCache {
	return &staticCache{dir: dir, files: make(map[string][]byte)}
}

func (c *staticCache) read(rel string) ([]byte, bool, error) {
	c.mu.Lock()
	if b, ok := c.files[rel]; ok {
		c.mu.Unlock()
		return b, true, nil
	}
	c.mu.Unlock()

	full := filepath.Join(c.dir, filepath.Clean("/"+rel))
	if !strings.HasPrefix(full, filepath.Clean(c.dir)) {
		return nil, false, os.ErrPermission
	}

	info, err := os.Stat(full)
	if err != nil {
		return nil, false, err
	}
	if info.IsDir() {
		full = filepath.Join(full, "index.html")
		info, err = os.Stat(full)
		if err != nil {
			return nil, false, err
		}
	}

	b, err := os.ReadFile(full)
	if err != nil {
		return nil, false, err
	}

	if info.Size() <= smallFileCeiling {
		c.mu.Lock()
		c.files[rel] = b
		c.mu.Unlock()
	}
	return b, true, nil
}

func (s *Server) serveStatic(conn *runtime.Connection, req *http.Request) {
	path := req.URL.Path
	body, found, err := s.statics.read(path)
	if err != nil || !found {
		resp := "HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"
		conn.Writer.EnqueueThen(s.rx, conn, []byte(resp), func(error) { s.teardown(conn) })
		return
	}

	header := fmt.Sprintf(
		"HTTP/1.1 200 OK\r\nContent-Type: %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n",
		contentType(path), len(body),
	)
	out := make([]byte, 0, len(header)+len(body))
	out = append(out, header...)
	out = append(out, body...)
	conn.Writer.EnqueueThen(s.rx, conn, out, func(error) { s.teardown(conn) })
}

func contentType(path string) string {
	switch filepath.Ext(path) {
	case ".html", ".htm":
		return "text/html; charset=utf-8"
	case ".css":
		return "text/css; charset=utf-8"
	case ".js":
		return "application/javascript; charset=utf-8"
	case ".json":
		return "application/json; charset=utf-8"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}
