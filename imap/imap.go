package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/google/uuid"

	"github.com/dhcgn/trackex/archive"
	"github.com/dhcgn/trackex/model"
	"github.com/dhcgn/trackex/store"
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Folder             string
}

// Store serves tracked messages archived into an IMAP folder. Messages are
// located by their Message-Id header; the INTERNALDATE stands in for the
// receive completion time when the archive carries none.
type Store struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	client  *imapclient.Client
	cleanup func()
}

var _ store.Store = (*Store)(nil)

func NewStore(opts Options, logger *slog.Logger) (*Store, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	return &Store{opts: opts, logger: logger}, nil
}

func (s *Store) FetchMessage(ctx context.Context, id uuid.UUID) (*model.TrackedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		client, cleanup, err := s.dial(ctx)
		if err != nil {
			return nil, err
		}
		s.client, s.cleanup = client, cleanup
	}

	msg, err := s.fetch(s.client, id)
	if err != nil {
		// The connection state is unknown after a failed command; the next
		// attempt starts from a fresh session.
		s.reset()
		return nil, err
	}
	return msg, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}

func (s *Store) reset() {
	if s.cleanup != nil {
		s.cleanup()
	}
	s.client, s.cleanup = nil, nil
}

func (s *Store) fetch(client *imapclient.Client, id uuid.UUID) (*model.TrackedMessage, error) {
	criteria := &imapv2.SearchCriteria{
		Header: []imapv2.SearchCriteriaHeaderField{{Key: "Message-Id", Value: id.String()}},
	}
	data, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap search %s: %w: %w", id, store.ErrConnection, err)
	}
	uids := data.AllUIDs()
	if len(uids) == 0 {
		return nil, fmt.Errorf("message %s in %s: %w", id, s.folder(), store.ErrNotFound)
	}
	if len(uids) > 1 && s.logger != nil {
		s.logger.Warn("multiple archived copies, using the first", "messageID", id, "folder", s.folder(), "copies", len(uids))
	}

	section := &imapv2.FetchItemBodySection{Peek: true}
	fetchOpts := &imapv2.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imapv2.FetchItemBodySection{section},
	}
	msgs, err := client.Fetch(imapv2.UIDSetNum(uids[0]), fetchOpts).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap fetch %s: %w: %w", id, store.ErrConnection, err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("message %s vanished from %s: %w", id, s.folder(), store.ErrNotFound)
	}

	raw := msgs[0].FindBodySection(section)
	if raw == nil {
		return nil, fmt.Errorf("imap fetch %s: empty body section: %w", id, store.ErrConnection)
	}
	if s.logger != nil {
		s.logger.Debug("fetched archived message", "messageID", id, "uid", msgs[0].UID, "size", len(raw))
	}
	return archive.Decode(raw, msgs[0].InternalDate)
}

func (s *Store) dial(ctx context.Context) (*imapclient.Client, func(), error) {
	address := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	options := &imapclient.Options{}

	if s.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         s.opts.Host,
			InsecureSkipVerify: s.opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if s.opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w: %w", address, store.ErrConnection, err)
	}

	if err := client.Login(s.opts.Username, s.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("imap login failed: %w: %w", store.ErrPermission, err)
	}

	if _, err := client.Select(s.folder(), &imapv2.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("select %s: %w: %w", s.folder(), store.ErrConnection, err)
	}

	if s.logger != nil {
		s.logger.Debug("imap connection established", "address", address, "user", s.opts.Username, "folder", s.folder(), "tls", s.opts.UseTLS)
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil {
				if s.logger != nil {
					s.logger.Warn("imap logout failed", "err", err)
				}
			}
		}
		if err := client.Close(); err != nil && s.logger != nil {
			s.logger.Debug("imap connection closed", "err", err)
		}
	}

	return client, cleanup, nil
}

func (s *Store) folder() string {
	if s.opts.Folder == "" {
		return "INBOX"
	}
	return s.opts.Folder
}
