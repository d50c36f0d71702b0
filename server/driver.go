package server

import (
	"io"
	"os"

	"github.com/gonzalop/ftpd/auth"
)

// Driver gives an authenticated user access to a filesystem.
//
// The server authenticates users itself (see WithAuthenticator) and calls
// Open once per successful login. The returned ClientContext is closed on
// logout, REIN or disconnect.
//
// Example implementation:
//
//	type MyDriver struct{}
//
//	func (d *MyDriver) Open(user *auth.User) (ClientContext, error) {
//	    return newMyContext(user.HomeDir), nil
//	}
type Driver interface {
	Open(user *auth.User) (ClientContext, error)
}

// ClientContext is one session's view of a user's files.
//
// Every path is an absolute, already normalized virtual path where "/" is
// the user's home directory. The session tracks the working directory and
// resolves relative arguments before calling in.
//
// Error handling:
//   - Return os.ErrNotExist when files/directories don't exist
//   - Return os.ErrPermission for permission denied errors
//   - Return os.ErrExist when files/directories already exist
//   - The server will translate these to appropriate FTP response codes
//
// A ClientContext is only used by the session goroutine that opened it.
type ClientContext interface {
	// Stat returns file or directory metadata.
	Stat(path string) (os.FileInfo, error)

	// ListDir returns the entries of a directory.
	ListDir(path string) ([]os.FileInfo, error)

	// OpenFile opens a file for reading or writing with os.O_* flags.
	// Returned files that implement io.Seeker support REST.
	OpenFile(path string, flag int) (io.ReadWriteCloser, error)

	// MakeDir creates a directory.
	MakeDir(path string) error

	// RemoveDir removes an empty directory.
	RemoveDir(path string) error

	// DeleteFile removes a regular file.
	DeleteFile(path string) error

	// Rename moves a file or directory.
	Rename(fromPath, toPath string) error

	// Close releases the context's resources.
	Close() error
}
