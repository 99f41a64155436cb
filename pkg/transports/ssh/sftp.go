package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
)

// Upload copies a local file to remotePath, creating parent directories.
// A mode of zero leaves the server's default permissions.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode) error {
	src, err := os.Open(localPath)
	if err != nil {
		return &Error{Op: "upload", Host: c.cfg.Host, Err: err}
	}
	defer src.Close()

	return c.withSFTP("upload", func(fs *sftp.Client) error {
		if err := fs.MkdirAll(path.Dir(remotePath)); err != nil {
			return fmt.Errorf("create %s: %w", path.Dir(remotePath), err)
		}
		dst, err := fs.Create(remotePath)
		if err != nil {
			return err
		}
		n, err := io.Copy(dst, ctxReader{ctx, src})
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		if mode != 0 {
			if err := fs.Chmod(remotePath, mode); err != nil {
				return fmt.Errorf("chmod %s: %w", remotePath, err)
			}
		}
		c.logger.Debug().Str("remote", remotePath).Int64("bytes", n).Msg("uploaded")
		return nil
	})
}

// Download copies remotePath to localPath. The file is written next to
// its destination and renamed into place, so a failed copy leaves no
// partial file behind.
func (c *Client) Download(ctx context.Context, remotePath, localPath string) error {
	return c.withSFTP("download", func(fs *sftp.Client) error {
		src, err := fs.Open(remotePath)
		if err != nil {
			return err
		}
		defer src.Close()

		if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
			return err
		}
		tmp, err := os.CreateTemp(filepath.Dir(localPath), "."+filepath.Base(localPath)+".*")
		if err != nil {
			return err
		}
		defer os.Remove(tmp.Name())

		n, err := io.Copy(tmp, ctxReader{ctx, src})
		if cerr := tmp.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		if err := os.Rename(tmp.Name(), localPath); err != nil {
			return err
		}
		c.logger.Debug().Str("remote", remotePath).Int64("bytes", n).Msg("downloaded")
		return nil
	})
}

func (c *Client) withSFTP(op string, fn func(*sftp.Client) error) error {
	conn, err := c.current()
	if err != nil {
		return &Error{Op: op, Host: c.cfg.Host, Err: err}
	}
	fs, err := sftp.NewClient(conn)
	if err != nil {
		return &Error{Op: op, Host: c.cfg.Host, Err: fmt.Errorf("start sftp: %w", err), Retryable: true}
	}
	defer fs.Close()

	start := time.Now()
	if err := fn(fs); err != nil {
		return &Error{Op: op, Host: c.cfg.Host, Err: err}
	}
	c.logger.Trace().Str("op", op).Dur("took", time.Since(start)).Msg("sftp done")
	return nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
