package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
)

// Upload writes data to a remote file via SFTP, creating parent
// directories as needed. This is how each attempt's compiled script
// reaches the execution host.
func (c *Client) Upload(ctx context.Context, data []byte, remotePath string, mode uint32) error {
	start := time.Now()

	sftpClient, err := c.newSFTPClient()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to create remote directory: %w", err),
			IsTemporary: false,
			IsAuthError: false,
		}
	}

	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to create remote file: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}
	defer remoteFile.Close()

	written, err := copyWithContext(ctx, remoteFile, bytes.NewReader(data))
	if err != nil {
		return &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to write remote file: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	if mode > 0 {
		if err := sftpClient.Chmod(remotePath, os.FileMode(mode)); err != nil {
			c.log.Warnf("failed to set permissions on %s: %v", remotePath, err)
		}
	}

	c.log.Debugf("uploaded %d bytes to %s in %s", written, remotePath, time.Since(start))
	return nil
}

// UploadFile uploads a local file to the remote host via SFTP. Used to
// push the simforge-agent binary onto hosts that do not have it yet.
func (c *Client) UploadFile(ctx context.Context, localPath string, remotePath string, mode uint32) error {
	localFile, err := os.Open(localPath)
	if err != nil {
		return &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to open local file: %w", err),
			IsTemporary: false,
			IsAuthError: false,
		}
	}
	defer localFile.Close()

	sftpClient, err := c.newSFTPClient()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to create remote directory: %w", err),
			IsTemporary: false,
			IsAuthError: false,
		}
	}

	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to create remote file: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}
	defer remoteFile.Close()

	written, err := copyWithContext(ctx, remoteFile, localFile)
	if err != nil {
		return &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to copy file: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	if mode > 0 {
		if err := sftpClient.Chmod(remotePath, os.FileMode(mode)); err != nil {
			c.log.Warnf("failed to set permissions on %s: %v", remotePath, err)
		}
	}

	c.log.Debugf("uploaded %s to %s (%d bytes)", localPath, remotePath, written)
	return nil
}

// Download copies a remote file to a local path via SFTP. This is how
// the result artifact comes back after a successful run.
func (c *Client) Download(ctx context.Context, remotePath string, localPath string) error {
	start := time.Now()

	sftpClient, err := c.newSFTPClient()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	remoteFile, err := sftpClient.Open(remotePath)
	if err != nil {
		return &TransportError{
			Op:          "download",
			Err:         fmt.Errorf("failed to open remote file: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}
	defer remoteFile.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return &TransportError{
			Op:          "download",
			Err:         fmt.Errorf("failed to create local directory: %w", err),
			IsTemporary: false,
			IsAuthError: false,
		}
	}

	localFile, err := os.Create(localPath)
	if err != nil {
		return &TransportError{
			Op:          "download",
			Err:         fmt.Errorf("failed to create local file: %w", err),
			IsTemporary: false,
			IsAuthError: false,
		}
	}
	defer localFile.Close()

	written, err := copyWithContext(ctx, localFile, remoteFile)
	if err != nil {
		return &TransportError{
			Op:          "download",
			Err:         fmt.Errorf("failed to copy file: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	c.log.Debugf("downloaded %s to %s (%d bytes) in %s", remotePath, localPath, written, time.Since(start))
	return nil
}

// newSFTPClient opens an SFTP subsystem on the current connection.
func (c *Client) newSFTPClient() (*sftp.Client, error) {
	conn, err := c.sshConn()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(conn)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	return sftpClient, nil
}

// copyWithContext copies data from src to dst while respecting context
// cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return written, err
		}
	}

	return written, nil
}
