package imap

import (
	"context"
	"errors"
	"net"
	"slices"
	"testing"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/dmarc-inbox/mailtest"
	"github.com/dhcgn/dmarc-inbox/model"
)

const (
	testUser = "dmarc"
	testPass = "secret"
)

func startServer(t *testing.T) Options {
	t.Helper()

	memServer := imapmemserver.New()
	user := imapmemserver.NewUser(testUser, testPass)
	require.NoError(t, user.Create("INBOX", nil))
	memServer.AddUser(user)

	server := imapserver.New(&imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return memServer.NewSession(), nil, nil
		},
		Caps: imapv2.CapSet{
			imapv2.CapIMAP4rev1: {},
			imapv2.CapIMAP4rev2: {},
		},
		InsecureAuth: true,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		_ = server.Serve(ln)
	}()
	t.Cleanup(func() {
		_ = server.Close()
	})

	return Options{
		Host:     "127.0.0.1",
		Port:     ln.Addr().(*net.TCPAddr).Port,
		Username: testUser,
		Password: testPass,
		Mailbox:  "INBOX",
		Timeout:  5 * time.Second,
	}
}

func appendMessage(t *testing.T, opts Options, raw []byte) {
	t.Helper()

	client, err := imapclient.DialInsecure(opts.address(), nil)
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Login(opts.Username, opts.Password).Wait())

	cmd := client.Append(opts.mailbox(), int64(len(raw)), nil)
	_, err = cmd.Write(raw)
	require.NoError(t, err)
	require.NoError(t, cmd.Close())
	_, err = cmd.Wait()
	require.NoError(t, err)
	require.NoError(t, client.Logout().Wait())
}

func connect(t *testing.T, opts Options) *Session {
	t.Helper()

	client, err := NewClient(opts, nil)
	require.NoError(t, err)
	s, err := client.Connect(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func collect(t *testing.T, s *Session, filter model.Filter) []model.MessageHandle {
	t.Helper()

	seq, err := s.List(context.Background(), filter)
	require.NoError(t, err)
	return slices.Collect(seq)
}

func seedTwoReports(t *testing.T, opts Options) {
	appendMessage(t, opts, mailtest.Message(t, "Report one", mailtest.Attachment{
		Filename: "one.xml", ContentType: "text/xml", Data: mailtest.Report("example.net", "1", "example.org", 1),
	}))
	appendMessage(t, opts, mailtest.Message(t, "Report two", mailtest.Attachment{
		Filename: "two.xml", ContentType: "text/xml", Data: mailtest.Report("example.net", "2", "example.org", 2),
	}))
}

func TestListFetchAcknowledgeSeen(t *testing.T) {
	opts := startServer(t)
	seedTwoReports(t, opts)

	s := connect(t, opts)
	ctx := context.Background()

	handles := collect(t, s, model.FilterUnseen)
	require.Len(t, handles, 2)
	assert.Equal(t, "INBOX", handles[0].Mailbox)
	assert.NotZero(t, handles[0].UIDValidity)

	msg, err := s.Fetch(ctx, handles[0])
	require.NoError(t, err)
	assert.Equal(t, "Report one", msg.Subject)
	assert.Equal(t, "noreply-dmarc@example.net", msg.From)
	assert.Contains(t, string(msg.Raw), "one.xml")
	assert.Positive(t, msg.Size)

	// Fetching peeks; nothing is marked seen until acknowledged.
	assert.Len(t, collect(t, s, model.FilterUnseen), 2)

	require.NoError(t, s.Acknowledge(ctx, handles[0]))
	assert.Equal(t, handles[1:], collect(t, s, model.FilterUnseen))
	assert.Len(t, collect(t, s, model.FilterAll), 2)
}

func TestListSequenceRestarts(t *testing.T) {
	opts := startServer(t)
	seedTwoReports(t, opts)
	s := connect(t, opts)

	seq, err := s.List(context.Background(), model.FilterAll)
	require.NoError(t, err)

	var first []model.MessageHandle
	for h := range seq {
		first = append(first, h)
		break
	}
	require.Len(t, first, 1)
	assert.Equal(t, first[0], slices.Collect(seq)[0])
	assert.Len(t, slices.Collect(seq), 2)
}

func TestAcknowledgeMove(t *testing.T) {
	opts := startServer(t)
	seedTwoReports(t, opts)
	opts.Ack = AckMove
	opts.ProcessedFolder = "Processed"
	opts.Auth = AuthPlain

	s := connect(t, opts)
	handles := collect(t, s, model.FilterAll)
	require.Len(t, handles, 2)

	require.NoError(t, s.Acknowledge(context.Background(), handles[1]))
	assert.Equal(t, handles[:1], collect(t, s, model.FilterAll))

	// A second connection finds the folder already present.
	s2 := connect(t, opts)
	assert.Len(t, collect(t, s2, model.FilterAll), 1)
}

func TestFetchStaleHandle(t *testing.T) {
	opts := startServer(t)
	seedTwoReports(t, opts)
	s := connect(t, opts)

	h := collect(t, s, model.FilterAll)[0]
	h.UIDValidity++

	_, err := s.Fetch(context.Background(), h)
	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "fetch", fe.Op)
	assert.ErrorIs(t, err, ErrUIDValidityChanged)

	err = s.Acknowledge(context.Background(), h)
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "acknowledge", fe.Op)
}

func TestFetchMissingMessage(t *testing.T) {
	opts := startServer(t)
	seedTwoReports(t, opts)
	s := connect(t, opts)

	h := collect(t, s, model.FilterAll)[1]
	h.UID += 100

	_, err := s.Fetch(context.Background(), h)
	assert.ErrorIs(t, err, ErrMessageGone)
}

func TestConnectErrors(t *testing.T) {
	opts := startServer(t)

	t.Run("bad password", func(t *testing.T) {
		o := opts
		o.Password = "wrong"
		client, err := NewClient(o, nil)
		require.NoError(t, err)

		_, err = client.Connect(context.Background())
		var ce *ConnectionError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, "login", ce.Op)
	})

	t.Run("unknown mailbox", func(t *testing.T) {
		o := opts
		o.Mailbox = "Reports"
		client, err := NewClient(o, nil)
		require.NoError(t, err)

		_, err = client.Connect(context.Background())
		var ce *ConnectionError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, "select", ce.Op)
	})

	t.Run("refused", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := ln.Addr().(*net.TCPAddr).Port
		require.NoError(t, ln.Close())

		client, err := NewClient(Options{Host: "127.0.0.1", Port: port, Timeout: time.Second}, nil)
		require.NoError(t, err)

		_, err = client.Connect(context.Background())
		var ce *ConnectionError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, "dial", ce.Op)
	})
}

func TestConnectTimesOutOnSilentServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			// Never send a greeting.
			defer conn.Close()
		}
	}()

	client, err := NewClient(Options{
		Host:     "127.0.0.1",
		Port:     ln.Addr().(*net.TCPAddr).Port,
		Username: testUser,
		Password: testPass,
		Timeout:  200 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = client.Connect(context.Background())
	var ce *ConnectionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "login", ce.Op)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestDroppedConnectionIsReportedAsConnectionError(t *testing.T) {
	opts := startServer(t)
	seedTwoReports(t, opts)
	s := connect(t, opts)

	handles := collect(t, s, model.FilterAll)
	require.Len(t, handles, 2)

	_, err := s.Fetch(context.Background(), handles[0])
	require.NoError(t, err)

	s.abort()

	_, err = s.Fetch(context.Background(), handles[1])
	var ce *ConnectionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "fetch", ce.Op)
	assert.ErrorIs(t, err, model.ErrConnectionLost)

	err = s.Acknowledge(context.Background(), handles[0])
	assert.ErrorIs(t, err, model.ErrConnectionLost)
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Options{Port: 993}, nil)
	assert.Error(t, err)

	_, err = NewClient(Options{Host: "imap.example.org"}, nil)
	assert.Error(t, err)

	_, err = NewClient(Options{Host: "imap.example.org", Port: 993, Ack: AckMove}, nil)
	assert.Error(t, err)

	c, err := NewClient(Options{Host: "imap.example.org", Port: 993}, nil)
	require.NoError(t, err)
	assert.Equal(t, AuthLogin, c.opts.Auth)
	assert.Equal(t, AckSeen, c.opts.Ack)
	assert.Equal(t, "INBOX", c.opts.mailbox())
}

func TestParseModes(t *testing.T) {
	tests := []struct {
		in      string
		ack     AckMode
		auth    AuthMethod
		ackErr  bool
		authErr bool
	}{
		{in: "", ack: AckSeen, auth: AuthLogin},
		{in: "SEEN", ack: AckSeen, authErr: true},
		{in: " move ", ack: AckMove, authErr: true},
		{in: "plain", ackErr: true, auth: AuthPlain},
		{in: "Login", ackErr: true, auth: AuthLogin},
		{in: "xoauth2", ackErr: true, authErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			ack, err := ParseAckMode(tt.in)
			if tt.ackErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.ack, ack)
			}

			auth, err := ParseAuthMethod(tt.in)
			if tt.authErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.auth, auth)
			}
		})
	}
}
