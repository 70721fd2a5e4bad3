package mail

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"regexp"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
)

const maxBodyBytes = 1 << 20

// Message is an inbound e-mail reduced to what the correlator needs.
type Message struct {
	UID       uint32
	MessageID string
	From      string
	Subject   string
	Body      string
}

var wordDecoder = &mime.WordDecoder{CharsetReader: charsetReader}

func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(strings.ToLower(strings.TrimSpace(charset)))
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q: %w", charset, err)
	}
	return enc.NewDecoder().Reader(input), nil
}

// Parse decodes an RFC 5322 message: the sender address, the subject and a
// plain-text body. Multipart messages yield their first text/plain part, or
// the first text/html part with tags removed when no plain part exists.
func Parse(raw []byte) (Message, error) {
	m, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return Message{}, fmt.Errorf("read message: %w", err)
	}

	var out Message
	out.MessageID = strings.TrimSpace(m.Header.Get("Message-Id"))
	if subj, err := wordDecoder.DecodeHeader(m.Header.Get("Subject")); err == nil {
		out.Subject = strings.TrimSpace(subj)
	} else {
		out.Subject = strings.TrimSpace(m.Header.Get("Subject"))
	}
	parser := mail.AddressParser{WordDecoder: wordDecoder}
	if from, err := parser.Parse(m.Header.Get("From")); err == nil {
		out.From = strings.ToLower(from.Address)
	}

	body, err := textBody(m.Header.Get("Content-Type"), m.Header.Get("Content-Transfer-Encoding"), m.Body)
	if err != nil {
		return out, err
	}
	out.Body = strings.TrimSpace(body)
	return out, nil
}

func textBody(contentType, cte string, r io.Reader) (string, error) {
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType, params = "text/plain", map[string]string{}
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := multipart.NewReader(r, params["boundary"])
		var html string
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return "", fmt.Errorf("read part: %w", err)
			}
			pt := p.Header.Get("Content-Type")
			txt, err := textBody(pt, p.Header.Get("Content-Transfer-Encoding"), p)
			if err != nil {
				continue
			}
			pmt, _, _ := mime.ParseMediaType(pt)
			switch {
			case pmt == "" || pmt == "text/plain" || strings.HasPrefix(pmt, "multipart/"):
				if strings.TrimSpace(txt) != "" {
					return txt, nil
				}
			case pmt == "text/html" && html == "":
				html = txt
			}
		}
		return html, nil
	}

	if !strings.HasPrefix(mediaType, "text/") {
		return "", nil
	}

	var dec io.Reader = io.LimitReader(r, maxBodyBytes)
	switch strings.ToLower(strings.TrimSpace(cte)) {
	case "base64":
		dec = base64.NewDecoder(base64.StdEncoding, newlineStripper{dec})
	case "quoted-printable":
		dec = quotedprintable.NewReader(dec)
	}
	if cs := params["charset"]; cs != "" && !strings.EqualFold(cs, "utf-8") && !strings.EqualFold(cs, "us-ascii") {
		if cr, err := charsetReader(cs, dec); err == nil {
			dec = cr
		}
	}
	b, err := io.ReadAll(dec)
	if err != nil {
		return "", fmt.Errorf("decode body: %w", err)
	}
	if mediaType == "text/html" {
		return stripTags(string(b)), nil
	}
	return string(b), nil
}

var (
	tagRe   = regexp.MustCompile(`(?s)<[^>]*>`)
	spaceRe = regexp.MustCompile(`[ \t]+`)
)

func stripTags(s string) string {
	s = strings.NewReplacer("<br>", "\n", "<br/>", "\n", "<br />", "\n", "</p>", "\n").Replace(s)
	s = tagRe.ReplaceAllString(s, "")
	return spaceRe.ReplaceAllString(s, " ")
}

// newlineStripper drops CR and LF so wrapped base64 decodes cleanly.
type newlineStripper struct{ r io.Reader }

func (n newlineStripper) Read(p []byte) (int, error) {
	for {
		k, err := n.r.Read(p)
		j := 0
		for _, c := range p[:k] {
			if c != '\r' && c != '\n' {
				p[j] = c
				j++
			}
		}
		if j > 0 || err != nil {
			return j, err
		}
	}
}
