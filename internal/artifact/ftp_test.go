package artifact

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFTPURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantHost string
		wantDir  string
		wantErr  bool
	}{
		{
			name:     "standard ftp url",
			url:      "ftp://ftp.example.com/customs/artifacts",
			wantHost: "ftp.example.com:21",
			wantDir:  "/customs/artifacts",
		},
		{
			name:     "ftp url with port",
			url:      "ftp://ftp.example.com:2121/archive/",
			wantHost: "ftp.example.com:2121",
			wantDir:  "/archive",
		},
		{
			name:     "root directory",
			url:      "ftp://ftp.example.com",
			wantHost: "ftp.example.com:21",
			wantDir:  "/",
		},
		{
			name:    "http scheme rejected",
			url:     "http://example.com/archive",
			wantErr: true,
		},
		{
			name:    "missing host",
			url:     "ftp:///archive",
			wantErr: true,
		},
		{
			name:    "invalid url",
			url:     "://bad",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, dir, err := parseFTPURL(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantDir, dir)
		})
	}
}

func TestNewFTPArchiver_Defaults(t *testing.T) {
	a, err := NewFTPArchiver(FTPOptions{URL: "ftp://archive.example.com/x"})
	require.NoError(t, err)
	assert.Equal(t, "anonymous", a.opts.User)
	assert.Equal(t, 30*time.Second, a.opts.Timeout)

	_, err = NewFTPArchiver(FTPOptions{URL: "sftp://archive.example.com/x"})
	require.Error(t, err)
}

// miniFTPServer accepts uploads with just enough of the protocol for the
// archiver.
type miniFTPServer struct {
	listener net.Listener
	wg       sync.WaitGroup

	mu     sync.Mutex
	stored map[string]string
	dirs   []string
	users  []string
	reject map[string]bool
}

func newMiniFTPServer(t *testing.T) *miniFTPServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &miniFTPServer{
		listener: ln,
		stored:   map[string]string{},
		reject:   map[string]bool{},
	}
	s.wg.Add(1)
	go s.serve()
	return s
}

func (s *miniFTPServer) addr() string {
	return s.listener.Addr().String()
}

func (s *miniFTPServer) close() {
	s.listener.Close() //nolint:errcheck
	s.wg.Wait()
}

func (s *miniFTPServer) file(p string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.stored[p]
	return v, ok
}

func (s *miniFTPServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *miniFTPServer) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close() //nolint:errcheck

	conn.SetDeadline(time.Now().Add(10 * time.Second)) //nolint:errcheck

	w := bufio.NewWriter(conn)
	r := bufio.NewReader(conn)
	reply := func(format string, args ...any) {
		fmt.Fprintf(w, format+"\r\n", args...) //nolint:errcheck
		w.Flush()                              //nolint:errcheck
	}

	reply("220 Mini FTP Server ready")

	var data net.Listener
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		parts := strings.SplitN(strings.TrimSpace(line), " ", 2)
		cmd := strings.ToUpper(parts[0])
		arg := ""
		if len(parts) > 1 {
			arg = parts[1]
		}

		switch cmd {
		case "USER":
			s.mu.Lock()
			s.users = append(s.users, arg)
			s.mu.Unlock()
			reply("331 Password required")
		case "PASS":
			reply("230 User logged in")
		case "FEAT":
			fmt.Fprintf(w, "211-Features:\r\n UTF8\r\n211 End\r\n") //nolint:errcheck
			w.Flush()                                                //nolint:errcheck
		case "TYPE":
			reply("200 Type set to %s", arg)
		case "OPTS":
			reply("200 OK")
		case "MKD":
			s.mu.Lock()
			s.dirs = append(s.dirs, arg)
			s.mu.Unlock()
			reply("257 %q created", arg)
		case "EPSV":
			data, err = net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				reply("425 Can't open data connection")
				continue
			}
			reply("229 Entering Extended Passive Mode (|||%d|)", data.Addr().(*net.TCPAddr).Port)
		case "STOR":
			if data == nil {
				reply("425 Use EPSV first")
				continue
			}
			if s.reject[filepath.Base(arg)] {
				data.Close() //nolint:errcheck
				data = nil
				reply("553 Permission denied")
				continue
			}
			reply("150 Opening data connection")
			dc, err := data.Accept()
			if err != nil {
				reply("425 Can't open data connection")
				continue
			}
			body, _ := io.ReadAll(dc)
			dc.Close()   //nolint:errcheck
			data.Close() //nolint:errcheck
			data = nil

			s.mu.Lock()
			s.stored[arg] = string(body)
			s.mu.Unlock()
			reply("226 Transfer complete")
		case "QUIT":
			reply("221 Goodbye")
			return
		default:
			reply("502 Command not implemented")
		}
	}
}

func TestFTPArchiver_Archive(t *testing.T) {
	srv := newMiniFTPServer(t)
	defer srv.close()

	dir := t.TempDir()
	a := filepath.Join(dir, "01-login.png")
	b := filepath.Join(dir, "02-complete.png")
	require.NoError(t, os.WriteFile(a, []byte("login"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("done"), 0o644))

	arch, err := NewFTPArchiver(FTPOptions{URL: "ftp://" + srv.addr() + "/archive", User: "customs", Password: "pw", Timeout: 5 * time.Second})
	require.NoError(t, err)

	got, err := arch.Archive(context.Background(), "sub-9", []string{a, b})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"ftp://" + srv.addr() + "/archive/sub-9/01-login.png",
		"ftp://" + srv.addr() + "/archive/sub-9/02-complete.png",
	}, got)

	body, ok := srv.file("/archive/sub-9/02-complete.png")
	require.True(t, ok)
	assert.Equal(t, "done", body)
	assert.Contains(t, srv.dirs, "/archive/sub-9")
	assert.Contains(t, srv.users, "customs")
}

func TestFTPArchiver_PartialFailureKeepsLocalPath(t *testing.T) {
	srv := newMiniFTPServer(t)
	srv.reject["bad.png"] = true
	defer srv.close()

	dir := t.TempDir()
	good := filepath.Join(dir, "good.png")
	bad := filepath.Join(dir, "bad.png")
	missing := filepath.Join(dir, "missing.png")
	require.NoError(t, os.WriteFile(good, []byte("g"), 0o644))
	require.NoError(t, os.WriteFile(bad, []byte("b"), 0o644))

	arch, err := NewFTPArchiver(FTPOptions{URL: "ftp://" + srv.addr() + "/", Timeout: 5 * time.Second})
	require.NoError(t, err)

	got, err := arch.Archive(context.Background(), "s", []string{good, missing, bad})
	require.NoError(t, err)
	assert.Equal(t, "ftp://"+srv.addr()+"/s/good.png", got[0])
	assert.Equal(t, missing, got[1])
	assert.Equal(t, bad, got[2])
	assert.Contains(t, srv.users, "anonymous")
}

func TestFTPArchiver_DialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close() //nolint:errcheck

	arch, err := NewFTPArchiver(FTPOptions{URL: "ftp://" + addr + "/x", Timeout: time.Second})
	require.NoError(t, err)

	paths := []string{"/tmp/a.png"}
	got, err := arch.Archive(context.Background(), "s", paths)
	require.Error(t, err)
	assert.Equal(t, paths, got)
}

func TestFTPArchiver_DuplicateBaseNames(t *testing.T) {
	srv := newMiniFTPServer(t)
	defer srv.close()

	a := filepath.Join(t.TempDir(), "step.png")
	b := filepath.Join(t.TempDir(), "step.png")
	require.NoError(t, os.WriteFile(a, []byte("first"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("second"), 0o644))

	arch, err := NewFTPArchiver(FTPOptions{URL: "ftp://" + srv.addr() + "/archive", Timeout: 5 * time.Second})
	require.NoError(t, err)

	got, err := arch.Archive(context.Background(), "sub-9", []string{a, b})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"ftp://" + srv.addr() + "/archive/sub-9/01-step.png",
		"ftp://" + srv.addr() + "/archive/sub-9/02-step.png",
	}, got)

	body, ok := srv.file("/archive/sub-9/01-step.png")
	require.True(t, ok)
	assert.Equal(t, "first", body)
	body, ok = srv.file("/archive/sub-9/02-step.png")
	require.True(t, ok)
	assert.Equal(t, "second", body)
}
