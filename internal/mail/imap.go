package mail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// IMAPConfig is decoded from IMAP_* variables.
type IMAPConfig struct {
	Host     string        `split_words:"true"`
	Port     int           `split_words:"true" default:"993"`
	Username string        `split_words:"true"`
	Password string        `split_words:"true"`
	Mailbox  string        `split_words:"true" default:"INBOX"`
	TLS      bool          `split_words:"true" default:"true"`
	Timeout  time.Duration `split_words:"true" default:"30s"`
	// MaxFetch is the number of messages fetched per IMAP round trip.
	MaxFetch int `split_words:"true" default:"50"`
}

// IMAP reads unread messages without flagging them and marks them seen on
// request. Each call opens its own session.
type IMAP struct {
	cfg IMAPConfig
	log *zerolog.Logger
}

// NewIMAP returns an inbox client.
func NewIMAP(cfg IMAPConfig, lg *zerolog.Logger) *IMAP {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxFetch <= 0 {
		cfg.MaxFetch = 50
	}
	return &IMAP{cfg: cfg, log: lg}
}

func (m *IMAP) logger() *zerolog.Logger {
	if m.log != nil {
		return m.log
	}
	return &log.Logger
}

func (m *IMAP) dial(ctx context.Context) (*client.Client, error) {
	if m.cfg.Host == "" {
		return nil, errors.New("mail: imap host not configured")
	}
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	d := &net.Dialer{Timeout: m.cfg.Timeout}
	if dl, ok := ctx.Deadline(); ok {
		d.Deadline = dl
	}
	var (
		c   *client.Client
		err error
	)
	if m.cfg.TLS {
		c, err = client.DialWithDialerTLS(d, addr, nil)
	} else {
		c, err = client.DialWithDialer(d, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("mail: imap dial %s: %w", addr, err)
	}
	c.Timeout = m.cfg.Timeout
	if err := c.Login(m.cfg.Username, m.cfg.Password); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("mail: imap login: %w", err)
	}
	if _, err := c.Select(m.cfg.Mailbox, false); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("mail: imap select %s: %w", m.cfg.Mailbox, err)
	}
	return c, nil
}

// ListUnread returns every message without the \Seen flag, oldest first.
// UIDs are fetched in batches of MaxFetch so a backlog of mail the caller
// leaves unread never hides newer messages. Bodies are fetched with
// BODY.PEEK so reading never changes flags. Messages that cannot be parsed
// are logged and skipped.
func (m *IMAP) ListUnread(ctx context.Context) ([]Message, error) {
	c, err := m.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.Logout() }()

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("mail: imap search: %w", err)
	}

	var out []Message
	for start := 0; start < len(uids); start += m.cfg.MaxFetch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + m.cfg.MaxFetch
		if end > len(uids) {
			end = len(uids)
		}
		batch, err := m.fetch(c, uids[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (m *IMAP) fetch(c *client.Client, uids []uint32) ([]Message, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchUid}

	ch := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() { done <- c.UidFetch(seqset, items, ch) }()

	var out []Message
	for msg := range ch {
		if msg == nil {
			continue
		}
		r := msg.GetBody(section)
		if r == nil {
			continue
		}
		raw, err := io.ReadAll(r)
		if err != nil {
			m.logger().Warn().Err(err).Uint32("uid", msg.Uid).Msg("imap read body")
			continue
		}
		parsed, err := Parse(raw)
		if err != nil {
			m.logger().Warn().Err(err).Uint32("uid", msg.Uid).Msg("imap parse message")
			continue
		}
		parsed.UID = msg.Uid
		out = append(out, parsed)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("mail: imap fetch: %w", err)
	}
	return out, nil
}

// MarkSeen adds the \Seen flag to the message with uid.
func (m *IMAP) MarkSeen(ctx context.Context, uid uint32) error {
	c, err := m.dial(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = c.Logout() }()

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := c.UidStore(seqset, item, []interface{}{imap.SeenFlag}, nil); err != nil {
		return fmt.Errorf("mail: imap store: %w", err)
	}
	return nil
}
