package mail

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"
)

// fakeSMTP accepts one session and records the DATA payload.
func fakeSMTP(t *testing.T) (host string, port int, got chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	got = make(chan string, 1)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		write := func(s string) { _, _ = conn.Write([]byte(s + "\r\n")) }
		write("220 fake ESMTP")
		var data strings.Builder
		inData := false
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if inData {
				if line == ".\r\n" {
					inData = false
					got <- data.String()
					write("250 queued")
					continue
				}
				data.WriteString(line)
				continue
			}
			cmd := strings.ToUpper(strings.TrimSpace(line))
			switch {
			case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
				write("250 fake")
			case strings.HasPrefix(cmd, "MAIL"), strings.HasPrefix(cmd, "RCPT"):
				write("250 ok")
			case cmd == "DATA":
				inData = true
				write("354 go ahead")
			case cmd == "QUIT":
				write("221 bye")
				return
			default:
				write("250 ok")
			}
		}
	}()

	h, p, _ := net.SplitHostPort(ln.Addr().String())
	port, _ = strconv.Atoi(p)
	return h, port, got
}

func TestSMTP_SendDeliversMessage(t *testing.T) {
	host, port, got := fakeSMTP(t)
	tr := NewSMTP(SMTPConfig{Host: host, Port: port, From: "buyer@example.com", Timeout: 5 * time.Second})

	if err := tr.Send(context.Background(), "sales@beton.ru", "Запрос коммерческого предложения", "Здравствуйте!"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case payload := <-got:
		if !strings.Contains(payload, "To: sales@beton.ru") || !strings.Contains(payload, "Subject: =?utf-8?b?") {
			t.Fatalf("unexpected payload:\n%s", payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no DATA received")
	}
}

func TestSMTP_NoRecipient(t *testing.T) {
	tr := NewSMTP(SMTPConfig{Host: "127.0.0.1", Port: 1})
	if err := tr.Send(context.Background(), "  ", "s", "b"); !errors.Is(err, ErrNoRecipient) {
		t.Fatalf("expected ErrNoRecipient, got %v", err)
	}
}

func TestSMTP_DialFailure(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	addr := ln.Addr().(*net.TCPAddr)
	_ = ln.Close()
	tr := NewSMTP(SMTPConfig{Host: "127.0.0.1", Port: addr.Port, Timeout: time.Second})
	if err := tr.Send(context.Background(), "a@b.ru", "s", "b"); err == nil {
		t.Fatalf("expected dial error")
	}
}

func TestBuildMessage_RoundTripsThroughParse(t *testing.T) {
	body := strings.Repeat("Согласны на 5500 за куб. ", 10)
	raw := buildMessage("buyer@example.com", "sales@beton.ru", "Ответ", body, time.Unix(0, 0))
	m, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Subject != "Ответ" || m.From != "buyer@example.com" || m.Body != strings.TrimSpace(body) {
		t.Fatalf("round trip mismatch: %+v", m)
	}
	if !strings.HasSuffix(m.MessageID, "@example.com>") {
		t.Fatalf("MessageID = %q", m.MessageID)
	}
}
