// Package source implements remote access over SFTP: one
// authenticated SSH connection, one SFTP channel, and a cached
// last-opened remote file handle for sequential-read reuse.
package source

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"sync"

	mlerrors "github.com/gmta/mountload/internal/errors"
	"github.com/gmta/mountload/internal/metadata"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Entry is a remote directory or file's observed attributes, the
// fields the GetEntry/GetDirectoryEntries contracts carry.
type Entry struct {
	Name  string
	Type  metadata.EntryType
	Mode  uint32
	Size  int64
	Atime int64
	Mtime int64
}

// Dialer describes how to reach the remote host: host/port/user are
// parsed from the source URI (config.ParseSourceURI); auth methods are
// supplied by the caller so the CLI's password/agent/key-file logic
// stays out of this package.
type Dialer struct {
	Host string
	Port int
	User string
	Auth []ssh.AuthMethod

	// HostKeyCallback defaults to ssh.InsecureIgnoreHostKey if unset;
	// callers that need host-key verification set it explicitly.
	HostKeyCallback ssh.HostKeyCallback
}

// Source holds one SSH connection and SFTP channel rooted at
// basePath, plus the cached last-opened remote file handle.
type Source struct {
	sshClient  *ssh.Client
	sftpClient *sftp.Client
	basePath   string

	mu         sync.Mutex
	cachedPath string
	cachedFile *sftp.File
}

// Dial establishes the SSH connection and SFTP channel, and verifies
// basePath is absolute.
func Dial(d Dialer, basePath string) (*Source, error) {
	if !path.IsAbs(basePath) {
		return nil, fmt.Errorf("remote base path %q is not absolute", basePath)
	}

	hostKeyCallback := d.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	// golang.org/x/crypto/ssh exposes no transport-compression toggle,
	// so reads over slow links cost full wire size.
	sshConfig := &ssh.ClientConfig{
		User:            d.User,
		Auth:            d.Auth,
		HostKeyCallback: hostKeyCallback,
	}

	addr := net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
	sshClient, err := ssh.Dial("tcp", addr, sshConfig)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("open sftp channel to %s: %w", addr, err)
	}

	return &Source{
		sshClient:  sshClient,
		sftpClient: sftpClient,
		basePath:   basePath,
	}, nil
}

func (s *Source) remotePath(relative string) string {
	return path.Join(s.basePath, relative)
}

// GetEntry returns the remote attributes of path, or (nil, nil) if
// the remote reports the path does not exist. Lstat rather than Stat,
// so a remote symlink is observed as a symlink and registered as one
// instead of as whatever it points at.
func (s *Source) GetEntry(relative string) (*Entry, error) {
	info, err := s.sftpClient.Lstat(s.remotePath(relative))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat %s: %w", relative, err)
	}
	return entryFromFileInfo("", info), nil
}

// GetDirectoryEntries lists the immediate children of a remote
// directory.
func (s *Source) GetDirectoryEntries(relative string) ([]Entry, error) {
	infos, err := s.sftpClient.ReadDir(s.remotePath(relative))
	if err != nil {
		return nil, fmt.Errorf("readdir %s: %w", relative, err)
	}
	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, *entryFromFileInfo(info.Name(), info))
	}
	return entries, nil
}

// GetLinkTarget returns the target a remote symlink points at.
func (s *Source) GetLinkTarget(relative string) (string, error) {
	target, err := s.sftpClient.ReadLink(s.remotePath(relative))
	if err != nil {
		return "", fmt.Errorf("readlink %s: %w", relative, err)
	}
	return target, nil
}

// ReadData reads up to len(buf) bytes from path at offset. It reuses
// the cached last-opened handle when the requested path matches;
// otherwise it closes the stale handle and opens a new one. A short
// read before end-of-file is a hard error, not a silent partial
// return.
func (s *Source) ReadData(relative string, offset int64, buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cachedFile == nil || s.cachedPath != relative {
		if s.cachedFile != nil {
			s.cachedFile.Close()
			s.cachedFile = nil
		}
		f, err := s.sftpClient.Open(s.remotePath(relative))
		if err != nil {
			return 0, fmt.Errorf("open %s: %w", relative, err)
		}
		s.cachedFile = f
		s.cachedPath = relative
	}

	n, err := s.cachedFile.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("read %s at offset %d: %w", relative, offset, err)
	}
	if n < len(buf) && !errors.Is(err, io.EOF) {
		return n, mlerrors.NewShortRead(relative, len(buf), n)
	}
	return n, nil
}

// Close releases the cached file handle, the SFTP channel, and the
// SSH connection, in that order. The cached handle may be released by
// whichever goroutine happens to call Close, which is why sftp.File's
// own Close (itself safe to call from any goroutine) is used rather
// than assuming the opening goroutine tears it down.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.cachedFile != nil {
		if err := s.cachedFile.Close(); err != nil {
			errs = append(errs, err)
		}
		s.cachedFile = nil
	}
	if err := s.sftpClient.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.sshClient.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func entryFromFileInfo(name string, info os.FileInfo) *Entry {
	if name == "" {
		name = info.Name()
	}
	entry := &Entry{
		Name: name,
		Size: info.Size(),
		Mode: uint32(info.Mode().Perm()),
	}
	switch {
	case info.IsDir():
		entry.Type = metadata.TypeDirectory
	case info.Mode()&os.ModeSymlink != 0:
		entry.Type = metadata.TypeSymlink
	default:
		entry.Type = metadata.TypeFile
	}
	if stat, ok := info.Sys().(*sftp.FileStat); ok {
		entry.Atime = int64(stat.Atime)
		entry.Mtime = int64(stat.Mtime)
	}
	return entry
}
