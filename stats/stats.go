// Package stats defines the server's statistics events and the sinks that
// consume them.
//
// The server never calls a Sink directly from a session. Events go through a
// Dispatcher so a slow or panicking sink can't stall or crash the protocol
// engine.
package stats

import (
	"log/slog"
	"sync"
	"time"
)

// EventType identifies a statistics event.
type EventType int

const (
	ConnectionOpened EventType = iota + 1
	ConnectionClosed
	Login
	LoginFailed
	Logout
	Upload
	Download
	MakeDir
	RemoveDir
	Delete
)

func (t EventType) String() string {
	switch t {
	case ConnectionOpened:
		return "connection_opened"
	case ConnectionClosed:
		return "connection_closed"
	case Login:
		return "login"
	case LoginFailed:
		return "login_failed"
	case Logout:
		return "logout"
	case Upload:
		return "upload"
	case Download:
		return "download"
	case MakeDir:
		return "mkdir"
	case RemoveDir:
		return "rmdir"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// Event is one observation. Fields that don't apply to Type are zero.
type Event struct {
	Type      EventType
	Time      time.Time
	SessionID string
	RemoteIP  string
	User      string
	Anonymous bool
	Path      string
	Bytes     int64
	Duration  time.Duration
}

// Sink consumes events. Implementations must be safe for concurrent use.
type Sink interface {
	Record(ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev Event)

func (f SinkFunc) Record(ev Event) { f(ev) }

// Multi fans an event out to several sinks in order.
type Multi []Sink

func (m Multi) Record(ev Event) {
	for _, s := range m {
		s.Record(ev)
	}
}

// LogSink writes every event to a structured logger at debug level.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a LogSink writing to logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (l *LogSink) Record(ev Event) {
	attrs := []any{
		"event", ev.Type.String(),
		"session_id", ev.SessionID,
		"remote_ip", ev.RemoteIP,
	}
	if ev.User != "" {
		attrs = append(attrs, "user", ev.User)
	}
	if ev.Path != "" {
		attrs = append(attrs, "path", ev.Path)
	}
	if ev.Type == Upload || ev.Type == Download {
		attrs = append(attrs, "bytes", ev.Bytes, "duration_ms", ev.Duration.Milliseconds())
	}
	l.logger.Debug("stats_event", attrs...)
}

// Counters keeps running totals, in the spirit of a classic FTP server
// statistics page.
type Counters struct {
	mu sync.Mutex
	c  CounterSnapshot
}

// CounterSnapshot is a copy of the totals held by Counters.
type CounterSnapshot struct {
	StartTime time.Time

	TotalConnections   int64
	CurrentConnections int64

	TotalLogins          int64
	TotalFailedLogins    int64
	CurrentLogins        int64
	CurrentAnonymous     int64
	TotalAnonymousLogins int64

	TotalUploads       int64
	TotalDownloads     int64
	TotalUploadBytes   int64
	TotalDownloadBytes int64

	TotalDirsCreated  int64
	TotalDirsRemoved  int64
	TotalFilesDeleted int64
}

// NewCounters returns zeroed counters started now.
func NewCounters() *Counters {
	return &Counters{c: CounterSnapshot{StartTime: time.Now()}}
}

func (c *Counters) Record(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Type {
	case ConnectionOpened:
		c.c.TotalConnections++
		c.c.CurrentConnections++
	case ConnectionClosed:
		if c.c.CurrentConnections > 0 {
			c.c.CurrentConnections--
		}
	case Login:
		c.c.TotalLogins++
		c.c.CurrentLogins++
		if ev.Anonymous {
			c.c.TotalAnonymousLogins++
			c.c.CurrentAnonymous++
		}
	case LoginFailed:
		c.c.TotalFailedLogins++
	case Logout:
		if c.c.CurrentLogins > 0 {
			c.c.CurrentLogins--
		}
		if ev.Anonymous && c.c.CurrentAnonymous > 0 {
			c.c.CurrentAnonymous--
		}
	case Upload:
		c.c.TotalUploads++
		c.c.TotalUploadBytes += ev.Bytes
	case Download:
		c.c.TotalDownloads++
		c.c.TotalDownloadBytes += ev.Bytes
	case MakeDir:
		c.c.TotalDirsCreated++
	case RemoveDir:
		c.c.TotalDirsRemoved++
	case Delete:
		c.c.TotalFilesDeleted++
	}
}

// Snapshot returns a copy of the current totals.
func (c *Counters) Snapshot() CounterSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.c
}
