package ftp

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
)

// DefaultDialTimeout bounds the TCP connect and login handshake.
const DefaultDialTimeout = 30 * time.Second

// FileInfo represents a remote file's metadata.
type FileInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Options describes how to reach and authenticate against a server.
type Options struct {
	Host     string
	Port     int
	User     string
	Password string
	TLS      bool
	Timeout  time.Duration
}

// Client wraps an FTP connection with higher-level operations.
type Client struct {
	conn *ftp.ServerConn
}

// Connect establishes an FTP connection and logs in.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	dialOpts := []ftp.DialOption{
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(timeout),
	}
	if opts.TLS {
		dialOpts = append(dialOpts, ftp.DialWithExplicitTLS(nil))
	}

	conn, err := ftp.Dial(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}

	if err := conn.Login(opts.User, opts.Password); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("login as %q: %w", opts.User, err)
	}

	return &Client{conn: conn}, nil
}

// Close gracefully terminates the FTP connection.
func (c *Client) Close() error {
	return c.conn.Quit()
}

// List returns files in dir that match the glob pattern.
func (c *Client) List(dir, pattern string) ([]FileInfo, error) {
	entries, err := c.conn.List(dir)
	if err != nil {
		return nil, fmt.Errorf("listing %q: %w", dir, err)
	}

	var files []FileInfo
	for _, entry := range entries {
		if entry.Type != ftp.EntryTypeFile {
			continue
		}
		if matched, _ := MatchGlob(pattern, entry.Name); matched {
			files = append(files, FileInfo{
				Name:    entry.Name,
				Size:    int64(entry.Size),
				ModTime: entry.Time,
			})
		}
	}
	return files, nil
}

// Move renames a file on the server (RNFR/RNTO).
func (c *Client) Move(oldPath, newPath string) error {
	if err := c.conn.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("moving %q to %q: %w", oldPath, newPath, err)
	}
	return nil
}

// Archive moves dir/name into archiveDir, creating archiveDir when needed.
func (c *Client) Archive(dir, name, archiveDir string) error {
	if err := c.MkdirAll(archiveDir); err != nil {
		return err
	}
	return c.Move(path.Join(dir, name), path.Join(archiveDir, name))
}

// MkdirAll creates the directory and all parents on the FTP server.
func (c *Client) MkdirAll(dir string) error {
	for _, p := range dirChain(dir) {
		// Attempt mkdir; ignore error if dir already exists
		c.conn.MakeDir(p)
	}
	return nil
}

// dirChain returns every ancestor of dir, outermost first, dir included.
func dirChain(dir string) []string {
	var chain []string
	current := ""
	for _, part := range strings.Split(path.Clean(dir), "/") {
		if part == "" || part == "." {
			continue
		}
		switch {
		case current == "" && strings.HasPrefix(dir, "/"):
			current = "/" + part
		case current == "":
			current = part
		default:
			current = current + "/" + part
		}
		chain = append(chain, current)
	}
	return chain
}

// MatchGlob matches a filename against a glob pattern.
// Exported for testability.
func MatchGlob(pattern, name string) (bool, error) {
	return path.Match(pattern, name)
}
