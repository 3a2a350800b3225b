package artifact

import (
	"context"
	"net"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// FTPOptions configures the FTP archiver.
type FTPOptions struct {
	// URL is the archive root, e.g. ftp://archive.example.com/customs.
	URL      string
	User     string
	Password string
	Timeout  time.Duration
}

// FTPArchiver uploads artifacts to <root>/<submissionID>/ on an FTP server.
type FTPArchiver struct {
	opts FTPOptions
	host string
	root string
}

// NewFTPArchiver validates the archive URL.
func NewFTPArchiver(opts FTPOptions) (*FTPArchiver, error) {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.User == "" {
		opts.User = "anonymous"
		opts.Password = "anonymous@"
	}
	host, root, err := parseFTPURL(opts.URL)
	if err != nil {
		return nil, err
	}
	return &FTPArchiver{opts: opts, host: host, root: root}, nil
}

// parseFTPURL extracts host (with port) and path from an FTP URL.
func parseFTPURL(rawURL string) (host string, dir string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", eris.Wrap(err, "parse ftp url")
	}
	if u.Scheme != "ftp" {
		return "", "", eris.Errorf("expected ftp scheme, got %q", u.Scheme)
	}

	host = u.Host
	if host == "" {
		return "", "", eris.New("empty host in ftp url")
	}
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		host = net.JoinHostPort(host, "21")
	}

	dir = path.Clean("/" + u.Path)
	return host, dir, nil
}

// Archive uploads every file over a single connection. A connection or login
// failure returns an error with the original paths; a single failed upload
// keeps that file's local path.
func (a *FTPArchiver) Archive(ctx context.Context, submissionID string, paths []string) ([]string, error) {
	if len(paths) == 0 {
		return paths, nil
	}
	log := zap.L().With(zap.String("submission_id", submissionID), zap.String("host", a.host))
	log.Debug("ftp: connecting")

	conn, err := ftp.Dial(a.host, ftp.DialWithTimeout(a.opts.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return paths, eris.Wrap(err, "ftp dial")
	}
	defer conn.Quit() //nolint:errcheck

	if err := conn.Login(a.opts.User, a.opts.Password); err != nil {
		return paths, eris.Wrap(err, "ftp login")
	}

	remoteDir := path.Join(a.root, submissionID)
	if err := conn.MakeDir(remoteDir); err != nil {
		// Usually "already exists"; a real problem surfaces on STOR.
		log.Debug("ftp: mkdir", zap.String("dir", remoteDir), zap.Error(err))
	}

	names := archiveNames(paths)
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = p
		if err := ctx.Err(); err != nil {
			return out, eris.Wrap(err, "ftp archive")
		}

		remote := path.Join(remoteDir, names[i])
		if err := a.store(conn, p, remote); err != nil {
			log.Warn("ftp: upload failed", zap.String("path", p), zap.Error(err))
			continue
		}
		out[i] = (&url.URL{Scheme: "ftp", Host: a.host, Path: remote}).String()
	}
	return out, nil
}

func (a *FTPArchiver) store(conn *ftp.ServerConn, local, remote string) error {
	f, err := os.Open(local)
	if err != nil {
		return eris.Wrap(err, "open artifact")
	}
	defer f.Close() //nolint:errcheck

	return eris.Wrap(conn.Stor(remote, f), "ftp store")
}
