package ingest

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jlaffaye/ftp"
)

// FileSource lists and fetches forecast files from wherever model output is published.
type FileSource interface {
	List(ctx context.Context) ([]string, error)
	Fetch(ctx context.Context, name string) ([]byte, error)
}

type FTPConfig struct {
	Host     string
	User     string
	Password string
	Root     string
	Timeout  time.Duration
}

// FTPSource reads model output CSV files from a directory on an FTP server.
// Each call opens its own connection.
type FTPSource struct {
	cfg FTPConfig
}

func NewFTPSource(cfg FTPConfig) *FTPSource {
	if cfg.User == "" {
		cfg.User, cfg.Password = "anonymous", "anonymous"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &FTPSource{cfg: cfg}
}

func (s *FTPSource) dial(ctx context.Context) (*ftp.ServerConn, error) {
	conn, err := ftp.Dial(s.cfg.Host, ftp.DialWithTimeout(s.cfg.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("ftp dial: %w", err)
	}
	if err := conn.Login(s.cfg.User, s.cfg.Password); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("ftp login: %w", err)
	}
	return conn, nil
}

// List returns the CSV files in the root directory, sorted by name.
func (s *FTPSource) List(ctx context.Context) ([]string, error) {
	var names []string
	operation := func() error {
		conn, err := s.dial(ctx)
		if err != nil {
			return err
		}
		defer conn.Quit()

		entries, err := conn.List(s.cfg.Root)
		if err != nil {
			return fmt.Errorf("ftp list %s: %w", s.cfg.Root, err)
		}
		names = names[:0]
		for _, e := range entries {
			if e.Type == ftp.EntryTypeFile && strings.HasSuffix(strings.ToLower(e.Name), ".csv") {
				names = append(names, e.Name)
			}
		}
		return nil
	}
	if err := backoff.Retry(operation, s.backoff(ctx)); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *FTPSource) Fetch(ctx context.Context, name string) ([]byte, error) {
	var body []byte
	operation := func() error {
		conn, err := s.dial(ctx)
		if err != nil {
			return err
		}
		defer conn.Quit()

		resp, err := conn.Retr(path.Join(s.cfg.Root, name))
		if err != nil {
			return fmt.Errorf("ftp retr %s: %w", name, err)
		}
		defer resp.Close()

		body, err = io.ReadAll(resp)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		return nil
	}
	if err := backoff.Retry(operation, s.backoff(ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

func (s *FTPSource) backoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 2 * time.Minute
	return backoff.WithContext(bo, ctx)
}
